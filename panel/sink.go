package panel

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/charmbracelet/log"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Hardware names the bus and pins the panel is wired to.
type Hardware struct {
	Port     string
	SpeedMHz int
	DC       string
	RST      string
	BL       string
}

// DefaultHardware is the wiring of a Raspberry Pi with a 1.69" 240×280
// ST7789 module on SPI0.
func DefaultHardware() Hardware {
	return Hardware{Port: "SPI0.0", SpeedMHz: 64, DC: "GPIO25", RST: "GPIO27", BL: "GPIO18"}
}

// DefaultGeometry matches the 240×280 module, which sits 20 rows into the
// controller's frame memory.
func DefaultGeometry() Geometry {
	return Geometry{Width: 240, Height: 280, RowOffset: 20, Invert: true}
}

// Open initialises the host drivers, opens the SPI port and pins, and brings
// the display up. The returned display releases the port on Close.
func Open(ctx context.Context, hw Hardware, geo Geometry) (*ST7789, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	port, err := spireg.Open(hw.Port)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", hw.Port, err)
	}
	c, err := port.Connect(physic.Frequency(hw.SpeedMHz)*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect %s: %w", hw.Port, err)
	}
	dc, err := pin(hw.DC, true)
	if err != nil {
		port.Close()
		return nil, err
	}
	rst, err := pin(hw.RST, false)
	if err != nil {
		port.Close()
		return nil, err
	}
	bl, err := pin(hw.BL, false)
	if err != nil {
		port.Close()
		return nil, err
	}

	d := NewST7789(c, dc, rst, bl, geo)
	d.closer = port.Close
	if err := d.Init(ctx); err != nil {
		port.Close()
		return nil, err
	}
	w, h := d.Size()
	log.WithPrefix("panel").Info("display ready", "port", hw.Port, "speed", fmt.Sprintf("%dMHz", hw.SpeedMHz), "size", fmt.Sprintf("%dx%d", w, h))
	return d, nil
}

// pin looks a GPIO up by name. An empty name means the line is not wired.
func pin(name string, required bool) (Pin, error) {
	if name == "" {
		if required {
			return nil, errors.New("panel: DC pin is required")
		}
		return nil, nil
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("panel: unknown gpio %q", name)
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("panel: gpio %s: %w", name, err)
	}
	return p, nil
}

// Display is what Sink needs from a panel driver.
type Display interface {
	Size() (int, int)
	Draw(ctx context.Context, pix []byte) error
	Close() error
}

// Sink feeds a Display with converted frames. It asks for captures at
// Oversample times the panel size so the final downscale is filtered.
type Sink struct {
	display    Display
	conv       *Converter
	oversample int
}

func NewSink(d Display, fit Fit, oversample int) *Sink {
	if oversample < 1 {
		oversample = 1
	}
	w, h := d.Size()
	return &Sink{display: d, conv: NewConverter(w, h, fit), oversample: oversample}
}

func (s *Sink) Name() string { return "panel" }

func (s *Sink) Size() (int, int) {
	w, h := s.display.Size()
	return w * s.oversample, h * s.oversample
}

func (s *Sink) Write(ctx context.Context, img *image.RGBA) error {
	return s.display.Draw(ctx, s.conv.Convert(img))
}

func (s *Sink) Close() error { return s.display.Close() }
