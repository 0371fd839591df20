// Package encoder records rendered frames to a video file through an ffmpeg
// subprocess.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"golang.org/x/image/draw"
)

// Options describes one recording.
type Options struct {
	Path   string
	Width  int
	Height int
	FPS    int
	// Codec is "h264" or "hevc".
	Codec string
	// Encoder overrides the per-OS encoder choice, e.g. "h264_v4l2m2m".
	Encoder      string
	Bitrate      string
	FFmpegPath   string
	CloseTimeout time.Duration
}

func (o Options) validate() error {
	switch {
	case o.Path == "":
		return errors.New("encoder: output path is empty")
	case o.Width <= 0 || o.Height <= 0 || o.Width%2 != 0 || o.Height%2 != 0:
		return fmt.Errorf("encoder: size %dx%d must be positive and even", o.Width, o.Height)
	case o.FPS <= 0:
		return fmt.Errorf("encoder: fps %d must be positive", o.FPS)
	case o.Codec != "h264" && o.Codec != "hevc":
		return fmt.Errorf("encoder: unknown codec %q (h264, hevc)", o.Codec)
	}
	return nil
}

// videoEncoder picks the ffmpeg encoder for a codec on the given OS,
// preferring the platform's hardware encoder.
func videoEncoder(codec, goos string) string {
	if codec == "hevc" {
		switch goos {
		case "darwin":
			return "hevc_videotoolbox"
		case "windows":
			return "hevc_nvenc"
		}
		return "libx265"
	}
	switch goos {
	case "darwin":
		return "h264_videotoolbox"
	case "windows":
		return "h264_nvenc"
	}
	return "libx264"
}

func (o Options) args() (in, out ffmpeg.KwArgs) {
	in = ffmpeg.KwArgs{
		"f":       "rawvideo",
		"pix_fmt": "rgba",
		"s":       fmt.Sprintf("%dx%d", o.Width, o.Height),
		"r":       o.FPS,
	}
	enc := o.Encoder
	if enc == "" {
		enc = videoEncoder(o.Codec, runtime.GOOS)
	}
	out = ffmpeg.KwArgs{
		"c:v":     enc,
		"pix_fmt": "yuv420p",
	}
	if o.Bitrate != "" {
		out["b:v"] = o.Bitrate
	}
	if o.Codec == "hevc" && strings.EqualFold(filepath.Ext(o.Path), ".mp4") {
		out["tag:v"] = "hvc1"
	}
	return in, out
}

// Recorder is a present.Sink that pipes raw RGBA frames into ffmpeg. Frames
// smaller than the recording size are centered on black.
type Recorder struct {
	opts   Options
	log    *log.Logger
	pw     *io.PipeWriter
	done   chan struct{}
	runErr error
	canvas *image.RGBA
	once   sync.Once

	aborted atomic.Bool
}

// ErrAborted is returned by every Write after the stream to ffmpeg broke.
var ErrAborted = errors.New("recording aborted")

// New starts ffmpeg. It returns once the process has been launched; encoder
// failures surface as Write errors.
func New(opts Options) (*Recorder, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 5 * time.Second
	}
	in, out := opts.args()
	pr, pw := io.Pipe()

	cmd := ffmpeg.Input("pipe:", in).
		Output(opts.Path, out).
		OverWriteOutput().WithInput(pr).ErrorToStdOut()
	if opts.FFmpegPath != "" {
		cmd = cmd.SetFfmpegPath(opts.FFmpegPath)
	}

	r := &Recorder{
		opts:   opts,
		log:    log.WithPrefix("recorder"),
		pw:     pw,
		done:   make(chan struct{}),
		canvas: image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
	}
	r.log.Info("recording", "path", opts.Path, "encoder", out["c:v"], "size", in["s"], "fps", opts.FPS)
	go func() {
		defer close(r.done)
		err := cmd.Run()
		if err == nil {
			err = errors.New("ffmpeg exited")
		}
		r.runErr = err
		// Unblock a writer when ffmpeg is gone.
		pr.CloseWithError(err)
	}()
	return r, nil
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Size() (int, int) { return r.opts.Width, r.opts.Height }

// Write sends one frame. A write still blocked when ctx ends aborts the
// recording, since the stream cannot resume mid-frame. Once aborted, every
// later Write returns ErrAborted without touching the stream.
func (r *Recorder) Write(ctx context.Context, img *image.RGBA) error {
	if r.aborted.Load() {
		return ErrAborted
	}
	frame := r.compose(img)
	stop := context.AfterFunc(ctx, func() { r.pw.CloseWithError(ctx.Err()) })
	defer stop()
	if _, err := r.pw.Write(frame.Pix); err != nil {
		if r.aborted.CompareAndSwap(false, true) {
			r.log.Error("recording aborted", "path", r.opts.Path, "err", err)
		}
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return nil
}

func (r *Recorder) compose(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == r.opts.Width && b.Dy() == r.opts.Height && b.Min == (image.Point{}) && img.Stride == 4*b.Dx() {
		return img
	}
	draw.Draw(r.canvas, r.canvas.Bounds(), image.Black, image.Point{}, draw.Src)
	at := image.Pt((r.opts.Width-b.Dx())/2, (r.opts.Height-b.Dy())/2)
	draw.Draw(r.canvas, image.Rectangle{Min: at, Max: at.Add(b.Size())}, img, b.Min, draw.Src)
	return r.canvas
}

// Close ends the stream and waits for ffmpeg to finalize the file.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		r.pw.Close()
		select {
		case <-r.done:
			var ee interface{ ExitCode() int }
			if errors.As(r.runErr, &ee) {
				err = fmt.Errorf("ffmpeg: %w", r.runErr)
			}
		case <-time.After(r.opts.CloseTimeout):
			err = fmt.Errorf("ffmpeg did not finish within %s", r.opts.CloseTimeout)
		}
		if err == nil {
			r.log.Info("recording finished", "path", r.opts.Path)
		}
	})
	return err
}
