package panel

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

// fakeBus records every transfer together with the DC level it was sent at.
type fakeBus struct {
	dc     *fakePin
	max    int
	failAt int
	txs    []tx
}

type tx struct {
	data bool
	b    []byte
}

func (b *fakeBus) Tx(w, r []byte) error {
	if b.failAt > 0 && len(b.txs)+1 == b.failAt {
		return errors.New("spi: transfer failed")
	}
	b.txs = append(b.txs, tx{data: b.dc.level == gpio.High, b: append([]byte(nil), w...)})
	return nil
}

func (b *fakeBus) MaxTxSize() int { return b.max }

func (b *fakeBus) commands() []byte {
	var out []byte
	for _, t := range b.txs {
		if !t.data {
			out = append(out, t.b[0])
		}
	}
	return out
}

// after returns the data bytes that followed the first occurrence of cmd.
func (b *fakeBus) after(cmd byte) []byte {
	for i, t := range b.txs {
		if !t.data && t.b[0] == cmd && i+1 < len(b.txs) && b.txs[i+1].data {
			return b.txs[i+1].b
		}
	}
	return nil
}

type fakePin struct {
	level   gpio.Level
	history []gpio.Level
}

func (p *fakePin) Out(l gpio.Level) error {
	p.level = l
	p.history = append(p.history, l)
	return nil
}

func newTestDisplay(geo Geometry, maxTx int) (*ST7789, *fakeBus, *fakePin, *fakePin) {
	dc, rst, bl := &fakePin{}, &fakePin{}, &fakePin{}
	bus := &fakeBus{dc: dc, max: maxTx}
	return NewST7789(bus, dc, rst, bl, geo), bus, rst, bl
}

func TestPackRGB565(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 1))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	img.Set(1, 0, color.RGBA{0, 255, 0, 255})
	img.Set(2, 0, color.RGBA{0, 0, 255, 255})
	img.Set(3, 0, color.RGBA{255, 255, 255, 255})

	out := make([]byte, 8)
	PackRGB565(out, img)
	assert.Equal(t, []byte{0xF8, 0x00, 0x07, 0xE0, 0x00, 0x1F, 0xFF, 0xFF}, out)
}

func TestParseFit(t *testing.T) {
	for in, want := range map[string]Fit{"": Fill, "fill": Fill, "Letterbox": Letterbox, "stretch": Stretch} {
		got, err := ParseFit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFit("zoom")
	assert.Error(t, err)
}

func TestConverterFillCrops(t *testing.T) {
	// Left half red, right half blue; filling a square panel keeps the
	// center column, so both colors survive at the edges.
	src := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			c := color.RGBA{255, 0, 0, 255}
			if x >= 20 {
				c = color.RGBA{0, 0, 255, 255}
			}
			src.Set(x, y, c)
		}
	}
	c := NewConverter(10, 10, Fill)
	out := c.Convert(src)
	require.Len(t, out, 10*10*2)
	assert.Equal(t, []byte{0xF8, 0x00}, out[0:2])
	assert.Equal(t, []byte{0x00, 0x1F}, out[18:20])
}

func TestConverterLetterbox(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for i := range src.Pix {
		src.Pix[i] = 0xFF
	}
	c := NewConverter(10, 10, Letterbox)
	out := c.Convert(src)
	// The top rows are bars, the middle row is the image.
	assert.Equal(t, []byte{0x00, 0x00}, out[0:2])
	mid := 5 * 10 * 2
	assert.Equal(t, []byte{0xFF, 0xFF}, out[mid:mid+2])
}

func TestConverterCopiesWhenSizesMatch(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	src.Set(1, 1, color.RGBA{255, 0, 0, 255})
	out := NewConverter(2, 2, Stretch).Convert(src)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0xF8, 0x00}, out)
}

func TestInitSequence(t *testing.T) {
	d, bus, rst, bl := newTestDisplay(DefaultGeometry(), 0)
	require.NoError(t, d.Init(context.Background()))

	assert.Equal(t, []gpio.Level{gpio.High, gpio.Low, gpio.High}, rst.history)
	assert.Equal(t, []byte{cmdSWRESET, cmdSLPOUT, cmdCOLMOD, cmdMADCTL, cmdINVON, cmdNORON, cmdDISPON}, bus.commands())
	assert.Equal(t, []byte{colmod16bpp}, bus.after(cmdCOLMOD))
	assert.Equal(t, []byte{0x00}, bus.after(cmdMADCTL))
	assert.Equal(t, gpio.High, bl.level)
}

func TestInitCanceled(t *testing.T) {
	d, _, _, bl := newTestDisplay(DefaultGeometry(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Init(ctx), context.Canceled)
	assert.Equal(t, gpio.Low, bl.level)
}

func TestDrawWindowAndChunks(t *testing.T) {
	d, bus, _, _ := newTestDisplay(DefaultGeometry(), 1000)
	w, h := d.Size()
	require.Equal(t, 240, w)
	require.Equal(t, 280, h)

	pix := make([]byte, w*h*2)
	require.NoError(t, d.Draw(context.Background(), pix))

	assert.Equal(t, []byte{cmdCASET, cmdRASET, cmdRAMWR}, bus.commands())
	assert.Equal(t, []byte{0, 0, 0, 239}, bus.after(cmdCASET))
	assert.Equal(t, []byte{0, 20, 1, 43}, bus.after(cmdRASET)) // rows 20..299

	var sent int
	for _, t2 := range bus.txs[5:] {
		require.True(t, t2.data)
		assert.LessOrEqual(t, len(t2.b), 1000)
		sent += len(t2.b)
	}
	assert.Equal(t, len(pix), sent)
}

func TestDrawLandscapeSwapsSize(t *testing.T) {
	geo := DefaultGeometry()
	geo.Rotation = Landscape
	d, bus, _, _ := newTestDisplay(geo, 0)
	w, h := d.Size()
	assert.Equal(t, 280, w)
	assert.Equal(t, 240, h)

	require.NoError(t, d.Draw(context.Background(), make([]byte, w*h*2)))
	assert.Equal(t, []byte{0, 20, 1, 43}, bus.after(cmdCASET))
	assert.Equal(t, []byte{0, 0, 0, 239}, bus.after(cmdRASET))
}

func TestDrawRejectsWrongSize(t *testing.T) {
	d, bus, _, _ := newTestDisplay(DefaultGeometry(), 0)
	assert.Error(t, d.Draw(context.Background(), make([]byte, 10)))
	assert.Empty(t, bus.txs)
}

func TestDrawStopsWhenCanceled(t *testing.T) {
	d, bus, _, _ := newTestDisplay(DefaultGeometry(), 512)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Draw(ctx, make([]byte, 240*280*2))
	assert.ErrorIs(t, err, context.Canceled)
	for _, t2 := range bus.txs {
		assert.LessOrEqual(t, len(t2.b), 4, "no pixel data after cancel")
	}
}

func TestDrawBusError(t *testing.T) {
	d, bus, _, _ := newTestDisplay(DefaultGeometry(), 0)
	bus.failAt = 7
	assert.ErrorContains(t, d.Draw(context.Background(), make([]byte, 240*280*2)), "transfer failed")
}

func TestCloseBlanks(t *testing.T) {
	d, bus, _, bl := newTestDisplay(DefaultGeometry(), 0)
	closed := false
	d.closer = func() error { closed = true; return nil }
	require.NoError(t, d.Close())
	assert.Equal(t, []byte{cmdDISPOFF}, bus.commands())
	assert.Equal(t, gpio.Low, bl.level)
	assert.True(t, closed)
}

func TestSink(t *testing.T) {
	d, bus, _, _ := newTestDisplay(DefaultGeometry(), 0)
	s := NewSink(d, Fill, 2)
	assert.Equal(t, "panel", s.Name())
	w, h := s.Size()
	assert.Equal(t, 480, w)
	assert.Equal(t, 560, h)

	require.NoError(t, s.Write(context.Background(), image.NewRGBA(image.Rect(0, 0, 480, 480))))
	assert.Equal(t, []byte{cmdCASET, cmdRASET, cmdRAMWR}, bus.commands())
}

func TestParseRotation(t *testing.T) {
	r, err := ParseRotation("Landscape-Flipped")
	require.NoError(t, err)
	assert.Equal(t, LandscapeFlipped, r)
	r, err = ParseRotation("")
	require.NoError(t, err)
	assert.Equal(t, Portrait, r)
	_, err = ParseRotation("upside")
	assert.Error(t, err)
}
