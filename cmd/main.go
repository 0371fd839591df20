package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/go-gl/glfw/v3.3/glfw"
	"golang.org/x/sync/errgroup"

	"github.com/richinsley/goshaderpanel/compiler"
	"github.com/richinsley/goshaderpanel/encoder"
	"github.com/richinsley/goshaderpanel/glfwcontext"
	"github.com/richinsley/goshaderpanel/graphics"
	"github.com/richinsley/goshaderpanel/headless"
	"github.com/richinsley/goshaderpanel/options"
	"github.com/richinsley/goshaderpanel/panel"
	"github.com/richinsley/goshaderpanel/pipeline"
	"github.com/richinsley/goshaderpanel/present"
	"github.com/richinsley/goshaderpanel/renderer"
	"github.com/richinsley/goshaderpanel/scene"
	"github.com/richinsley/goshaderpanel/sensor"
	"github.com/richinsley/goshaderpanel/watcher"
)

// shutdownGrace bounds how long the background workers get to stop.
const shutdownGrace = 3 * time.Second

func init() {
	// GLFW and the render context must stay on the main thread.
	runtime.LockOSThread()
}

func main() {
	opts, err := options.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, _ := log.ParseLevel(opts.LogLevel)
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	if opts.ConfigFile != "" {
		log.Info("loaded configuration", "file", opts.ConfigFile)
	}

	if err := run(opts); err != nil {
		log.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func newContext(opts options.Options) (graphics.Context, func(), error) {
	if !opts.Window {
		h, err := headless.NewHeadless(opts.Width, opts.Height)
		if err != nil {
			return nil, nil, fmt.Errorf("headless context: %w", err)
		}
		return h, h.Shutdown, nil
	}
	if err := glfwcontext.InitGraphics(); err != nil {
		return nil, nil, fmt.Errorf("glfw init: %w", err)
	}
	c, err := glfwcontext.New(opts.Width, opts.Height)
	if err != nil {
		glfwcontext.TerminateGraphics()
		return nil, nil, fmt.Errorf("window: %w", err)
	}
	return c, func() {
		c.Shutdown()
		glfwcontext.TerminateGraphics()
	}, nil
}

func newCompiler(opts options.Options, gles bool) (compiler.Compiler, error) {
	var c compiler.Compiler = compiler.NewTranslator(gles)
	if opts.Shaders.Gate == "" {
		return c, nil
	}
	return compiler.NewGate(opts.Shaders.Gate, opts.Shaders.GateTimeout.Duration, c)
}

func run(opts options.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vertex, fragments, err := opts.ShaderPaths()
	if err != nil {
		return err
	}
	set, err := scene.NewSet(vertex, fragments)
	if err != nil {
		return err
	}

	gctx, shutdown, err := newContext(opts)
	if err != nil {
		return err
	}
	defer shutdown()

	shared, err := gctx.NewShared()
	if err != nil {
		return fmt.Errorf("shared context: %w", err)
	}
	builder, err := renderer.NewProgramBuilder(shared)
	if err != nil {
		shared.Shutdown()
		return err
	}
	defer shared.Shutdown()
	defer builder.Close()
	manager := pipeline.NewManager(builder)

	comp, err := newCompiler(opts, gctx.IsGLES())
	if err != nil {
		return err
	}
	w, err := watcher.New(set.Paths(), opts.WatcherOptions())
	if err != nil {
		return err
	}
	reloader := scene.NewReloader(set, comp, manager, w.Events())

	var source renderer.VectorSource = &sensor.Store{}
	var reader *sensor.Reader
	if opts.Sensor.Enabled {
		reader = sensor.NewReader(opts.SensorTransport(), opts.SensorConfig())
		source = reader.Store()
	}

	presenters := present.NewSet()
	defer presenters.Close()
	var asyncs []*present.Async
	if opts.Window {
		win, err := renderer.NewWindow(gctx)
		if err != nil {
			return err
		}
		presenters.Add(win)
		if c, ok := gctx.(*glfwcontext.Context); ok {
			c.RegisterKeyCallback(glfw.KeySpace, func() { log.Info("scene", "active", set.Next().Name) })
			c.RegisterKeyCallback(glfw.KeyRight, func() { log.Info("scene", "active", set.Next().Name) })
			if reader != nil {
				c.RegisterKeyCallback(glfw.KeyD, reader.Discover)
				c.RegisterKeyCallback(glfw.KeyX, reader.Disconnect)
			}
		}
	}
	if opts.Panel.Enabled {
		geo, err := opts.PanelGeometry()
		if err != nil {
			return err
		}
		fit, err := panel.ParseFit(opts.Panel.Fit)
		if err != nil {
			return err
		}
		disp, err := panel.Open(ctx, opts.PanelHardware(), geo)
		if err != nil {
			return err
		}
		a := present.NewAsync(panel.NewSink(disp, fit, opts.Panel.Oversample), present.AsyncOptions{
			Interval:     time.Second / time.Duration(opts.Panel.FPS),
			WriteTimeout: opts.Panel.WriteTimeout.Duration,
			CloseTimeout: shutdownGrace,
		})
		presenters.Add(a)
		asyncs = append(asyncs, a)
	}
	if opts.Record.Path != "" {
		rec, err := encoder.New(opts.RecorderOptions())
		if err != nil {
			return err
		}
		a := present.NewAsync(rec, present.AsyncOptions{
			Interval:     time.Second / time.Duration(opts.Record.FPS),
			WriteTimeout: time.Second,
			CloseTimeout: shutdownGrace,
		})
		presenters.Add(a)
		asyncs = append(asyncs, a)
	}

	r, err := renderer.New(gctx, manager, source, presenters, renderer.Options{
		Width:        opts.Width,
		Height:       opts.Height,
		FollowWindow: opts.Window,
		FPS:          opts.FPS,
		SensorScale:  opts.Sensor.Scale,
	})
	if err != nil {
		return err
	}
	defer r.Shutdown()
	defer manager.Close()

	workCtx, cancelWork := context.WithCancel(ctx)
	g, gctxWork := errgroup.WithContext(workCtx)
	g.Go(func() error { return w.Run(gctxWork) })
	g.Go(func() error { return manager.Run(gctxWork) })
	g.Go(func() error { return reloader.Run(gctxWork) })
	if reader != nil {
		g.Go(func() error { return reader.Run(gctxWork) })
	}
	if len(nextSceneSignals) > 0 {
		g.Go(func() error {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, nextSceneSignals...)
			defer signal.Stop(sig)
			for {
				select {
				case <-gctxWork.Done():
					return nil
				case <-sig:
					log.Info("scene", "active", set.Next().Name)
				}
			}
		})
	}
	if opts.Status.Duration > 0 {
		g.Go(func() error {
			status(gctxWork, opts.Status.Duration, r, manager, reader, asyncs)
			return nil
		})
	}

	// The render loop owns the main thread; a worker failure stops it.
	renderErr := r.Run(gctxWork)
	cancelWork()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	var workErr error
	select {
	case workErr = <-done:
	case <-time.After(shutdownGrace):
		log.Warn("workers did not stop in time", "grace", shutdownGrace)
	}

	if renderErr != nil {
		return renderErr
	}
	return workErr
}

func status(ctx context.Context, every time.Duration, r *renderer.Renderer, m *pipeline.Manager, reader *sensor.Reader, asyncs []*present.Async) {
	t := time.NewTicker(every)
	defer t.Stop()
	l := log.WithPrefix("status")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s := r.Stats()
		kv := []any{
			"frames", humanize.Comma(int64(s.Frames)),
			"skipped", humanize.Comma(int64(s.Skipped)),
			"fps", fmt.Sprintf("%.1f", s.FPS),
			"pipeline", m.State(),
			"generation", m.Generation(),
		}
		if err := m.LastError(); err != nil {
			kv = append(kv, "build_err", err)
		}
		if reader != nil {
			acc, drop := reader.Stats()
			kv = append(kv, "sensor", reader.Store().State(), "lines", humanize.Comma(int64(acc)), "bad_lines", humanize.Comma(int64(drop)))
		}
		for _, a := range asyncs {
			kv = append(kv, a.Name(), a.Stats())
		}
		l.Info("running", kv...)
	}
}
