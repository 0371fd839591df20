package present

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

type AsyncOptions struct {
	// Interval is the minimum time between two frames sent to the sink.
	Interval time.Duration
	// WriteTimeout bounds a single sink write.
	WriteTimeout time.Duration
	// CloseTimeout bounds how long Close waits for an in-flight write.
	CloseTimeout time.Duration
}

// Stats counts what happened to the frames offered to an Async presenter.
type Stats struct {
	Written uint64
	Dropped uint64
	Failed  uint64
	Bytes   uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("written %s, dropped %s, failed %s, %s sent",
		humanize.Comma(int64(s.Written)), humanize.Comma(int64(s.Dropped)),
		humanize.Comma(int64(s.Failed)), humanize.Bytes(s.Bytes))
}

// Async adapts a slow Sink to a Presenter. Frames are captured on the render
// thread and written by a worker goroutine; while the worker is busy or the
// pacing interval has not elapsed, frames are dropped instead of queued.
type Async struct {
	sink Sink
	opts AsyncOptions
	log  *log.Logger

	// Owned by the render thread.
	nextDue time.Time

	mailbox chan frameJob
	busy    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	written, dropped, failed, bytes atomic.Uint64
}

type frameJob struct {
	seq uint64
	img *image.RGBA
}

func NewAsync(sink Sink, opts AsyncOptions) *Async {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		sink:    sink,
		opts:    opts,
		log:     log.WithPrefix(sink.Name()),
		mailbox: make(chan frameJob, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

func (a *Async) Name() string { return a.sink.Name() }

func (a *Async) Present(f Frame) error {
	now := time.Now()
	if now.Before(a.nextDue) {
		return nil
	}
	if !a.busy.CompareAndSwap(false, true) {
		a.dropped.Add(1)
		return nil
	}
	w, h := a.sink.Size()
	img, err := f.Capture(w, h)
	if err != nil {
		a.busy.Store(false)
		return &WriteError{Presenter: a.Name(), Seq: f.Seq(), Err: err}
	}
	select {
	case a.mailbox <- frameJob{seq: f.Seq(), img: img}:
		a.nextDue = now.Add(a.opts.Interval)
	default:
		a.busy.Store(false)
		a.dropped.Add(1)
	}
	return nil
}

func (a *Async) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case job := <-a.mailbox:
			a.write(job)
			a.busy.Store(false)
		}
	}
}

func (a *Async) write(job frameJob) {
	ctx, cancel := context.WithTimeout(a.ctx, a.opts.WriteTimeout)
	defer cancel()
	if err := a.sink.Write(ctx, job.img); err != nil {
		n := a.failed.Add(1)
		if n == 1 || n%100 == 0 {
			a.log.Warn("write failed", "failures", n, "err", &WriteError{Presenter: a.Name(), Seq: job.seq, Err: err})
		}
		return
	}
	a.written.Add(1)
	a.bytes.Add(uint64(len(job.img.Pix)))
}

func (a *Async) Stats() Stats {
	return Stats{
		Written: a.written.Load(),
		Dropped: a.dropped.Load(),
		Failed:  a.failed.Load(),
		Bytes:   a.bytes.Load(),
	}
}

// Close stops the worker, waiting at most CloseTimeout for an in-flight
// write, then closes the sink.
func (a *Async) Close() error {
	var err error
	a.once.Do(func() {
		a.cancel()
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(a.opts.CloseTimeout):
			a.log.Warn("write still in flight at shutdown", "timeout", a.opts.CloseTimeout)
		}
		a.log.Info("closed", "stats", a.Stats())
		err = a.sink.Close()
	})
	return err
}
