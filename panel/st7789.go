package panel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// ST7789 command set, datasheet section 9.
const (
	cmdSWRESET = 0x01
	cmdSLPOUT  = 0x11
	cmdNORON   = 0x13
	cmdINVON   = 0x21
	cmdDISPOFF = 0x28
	cmdDISPON  = 0x29
	cmdCASET   = 0x2A
	cmdRASET   = 0x2B
	cmdRAMWR   = 0x2C
	cmdMADCTL  = 0x36
	cmdCOLMOD  = 0x3A

	colmod16bpp = 0x55

	// Transfer size used when the bus does not report its own limit.
	defaultMaxTx = 4096
)

type Rotation int

const (
	Portrait Rotation = iota
	Landscape
	PortraitFlipped
	LandscapeFlipped
)

func ParseRotation(s string) (Rotation, error) {
	switch strings.ToLower(s) {
	case "portrait", "":
		return Portrait, nil
	case "landscape":
		return Landscape, nil
	case "portrait-flipped":
		return PortraitFlipped, nil
	case "landscape-flipped":
		return LandscapeFlipped, nil
	}
	return 0, fmt.Errorf("unknown panel rotation %q", s)
}

func (r Rotation) madctl() byte {
	switch r {
	case Landscape:
		return 0x60 // MX | MV
	case PortraitFlipped:
		return 0xC0 // MY | MX
	case LandscapeFlipped:
		return 0xA0 // MY | MV
	}
	return 0x00
}

func (r Rotation) swapped() bool { return r == Landscape || r == LandscapeFlipped }

// Bus is the write side of an SPI connection; spi.Conn implements it.
type Bus interface {
	Tx(w, r []byte) error
}

// Pin is an output GPIO; gpio.PinIO implements it.
type Pin interface {
	Out(l gpio.Level) error
}

// Geometry describes the visible area of the glass in portrait orientation.
// Offsets locate it inside the controller's 240×320 frame memory.
type Geometry struct {
	Width, Height int
	ColOffset     int
	RowOffset     int
	Rotation      Rotation
	Invert        bool
}

// ST7789 drives one display. It is used from a single goroutine.
type ST7789 struct {
	bus   Bus
	dc    Pin
	rst   Pin
	bl    Pin
	geo   Geometry
	maxTx int

	closer func() error
}

// NewST7789 wraps an opened bus and pins. rst and bl may be nil when they
// are hard-wired.
func NewST7789(bus Bus, dc, rst, bl Pin, geo Geometry) *ST7789 {
	maxTx := defaultMaxTx
	if l, ok := bus.(conn.Limits); ok && l.MaxTxSize() > 0 {
		maxTx = l.MaxTxSize()
	}
	return &ST7789{bus: bus, dc: dc, rst: rst, bl: bl, geo: geo, maxTx: maxTx}
}

// Size returns the visible size after rotation.
func (d *ST7789) Size() (int, int) {
	if d.geo.Rotation.swapped() {
		return d.geo.Height, d.geo.Width
	}
	return d.geo.Width, d.geo.Height
}

func (d *ST7789) offsets() (col, row int) {
	switch d.geo.Rotation {
	case Landscape:
		return d.geo.RowOffset, d.geo.ColOffset
	case PortraitFlipped:
		return 240 - d.geo.Width - d.geo.ColOffset, 320 - d.geo.Height - d.geo.RowOffset
	case LandscapeFlipped:
		return 320 - d.geo.Height - d.geo.RowOffset, 240 - d.geo.Width - d.geo.ColOffset
	}
	return d.geo.ColOffset, d.geo.RowOffset
}

type initStep struct {
	cmd  byte
	data []byte
	wait time.Duration
}

// Init resets the controller and turns the display on.
func (d *ST7789) Init(ctx context.Context) error {
	if d.rst != nil {
		for _, step := range []struct {
			level gpio.Level
			wait  time.Duration
		}{{gpio.High, 10 * time.Millisecond}, {gpio.Low, 10 * time.Millisecond}, {gpio.High, 120 * time.Millisecond}} {
			if err := d.rst.Out(step.level); err != nil {
				return fmt.Errorf("st7789 reset: %w", err)
			}
			if err := sleep(ctx, step.wait); err != nil {
				return err
			}
		}
	}

	seq := []initStep{
		{cmdSWRESET, nil, 150 * time.Millisecond},
		{cmdSLPOUT, nil, 120 * time.Millisecond},
		{cmdCOLMOD, []byte{colmod16bpp}, 10 * time.Millisecond},
		{cmdMADCTL, []byte{d.geo.Rotation.madctl()}, 0},
	}
	if d.geo.Invert {
		seq = append(seq, initStep{cmdINVON, nil, 0})
	}
	seq = append(seq,
		initStep{cmdNORON, nil, 10 * time.Millisecond},
		initStep{cmdDISPON, nil, 10 * time.Millisecond},
	)

	for _, s := range seq {
		if err := d.command(s.cmd, s.data...); err != nil {
			return fmt.Errorf("st7789 init 0x%02X: %w", s.cmd, err)
		}
		if err := sleep(ctx, s.wait); err != nil {
			return err
		}
	}
	if d.bl != nil {
		if err := d.bl.Out(gpio.High); err != nil {
			return fmt.Errorf("st7789 backlight: %w", err)
		}
	}
	return nil
}

// Draw writes a full frame of big-endian RGB565 pixels. The transfer is
// split into bus-sized chunks and stops early when ctx is done.
func (d *ST7789) Draw(ctx context.Context, pix []byte) error {
	w, h := d.Size()
	if len(pix) != w*h*2 {
		return fmt.Errorf("st7789: frame is %d bytes, want %d", len(pix), w*h*2)
	}
	col, row := d.offsets()
	if err := d.command(cmdCASET, window(col, col+w-1)...); err != nil {
		return err
	}
	if err := d.command(cmdRASET, window(row, row+h-1)...); err != nil {
		return err
	}
	if err := d.command(cmdRAMWR); err != nil {
		return err
	}
	if err := d.dc.Out(gpio.High); err != nil {
		return err
	}
	for len(pix) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(len(pix), d.maxTx)
		if err := d.bus.Tx(pix[:n], nil); err != nil {
			return err
		}
		pix = pix[n:]
	}
	return nil
}

// Close blanks the display, switches the backlight off and releases the
// bus when it was opened by Open.
func (d *ST7789) Close() error {
	err := d.command(cmdDISPOFF)
	if d.bl != nil {
		if berr := d.bl.Out(gpio.Low); err == nil {
			err = berr
		}
	}
	if d.closer != nil {
		if cerr := d.closer(); err == nil {
			err = cerr
		}
	}
	return err
}

func (d *ST7789) command(cmd byte, data ...byte) error {
	if err := d.dc.Out(gpio.Low); err != nil {
		return err
	}
	if err := d.bus.Tx([]byte{cmd}, nil); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.dc.Out(gpio.High); err != nil {
		return err
	}
	return d.bus.Tx(data, nil)
}

func window(start, end int) []byte {
	return []byte{byte(start >> 8), byte(start), byte(end >> 8), byte(end)}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
