package renderer

import "time"

// fitWithin returns the largest size with the aspect ratio of w×h that fits
// in maxW×maxH. Neither side is ever zero.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 || maxW <= 0 || maxH <= 0 {
		return max(maxW, 1), max(maxH, 1)
	}
	if w*maxH > h*maxW {
		return maxW, max(h*maxW/w, 1)
	}
	return max(w*maxH/h, 1), maxH
}

// flipRows copies src, bottom row first as GL returns it, into dst top row
// first.
func flipRows(dst, src []byte, stride, rows int) {
	for y := 0; y < rows; y++ {
		copy(dst[y*stride:(y+1)*stride], src[(rows-1-y)*stride:(rows-y)*stride])
	}
}

// fpsCounter reports frames per second once per window.
type fpsCounter struct {
	window time.Duration
	start  time.Time
	frames int
}

func newFPSCounter(window time.Duration, now time.Time) *fpsCounter {
	return &fpsCounter{window: window, start: now}
}

// tick counts a frame. It returns the rate and true when a window closed.
func (c *fpsCounter) tick(now time.Time) (float64, bool) {
	c.frames++
	elapsed := now.Sub(c.start)
	if elapsed < c.window {
		return 0, false
	}
	fps := float64(c.frames) / elapsed.Seconds()
	c.frames = 0
	c.start = now
	return fps, true
}
