// Package options holds the process configuration: built-in defaults, an
// optional TOML file, then command line flags, each overriding the last.
package options

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chewxy/math32"
	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"

	"github.com/richinsley/goshaderpanel/encoder"
	"github.com/richinsley/goshaderpanel/panel"
	"github.com/richinsley/goshaderpanel/sensor"
	"github.com/richinsley/goshaderpanel/watcher"
)

// Duration reads "150ms" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type ShaderOptions struct {
	Dir string `toml:"dir"`
	// Vertex and Fragments are relative to Dir unless absolute. An empty
	// fragment list means every *.frag in Dir.
	Vertex      string   `toml:"vertex"`
	Fragments   []string `toml:"fragments"`
	Gate        string   `toml:"gate"`
	GateTimeout Duration `toml:"gate_timeout"`
	Debounce    Duration `toml:"debounce"`
	Poll        Duration `toml:"poll"`
}

type SensorOptions struct {
	Enabled   bool   `toml:"enabled"`
	Transport string `toml:"transport"`
	// Addr is the TCP listen address.
	Addr string `toml:"addr"`
	// Channel is the RFCOMM channel.
	Channel      int      `toml:"channel"`
	Alpha        float32  `toml:"alpha"`
	Gain         float32  `toml:"gain"`
	Min          float32  `toml:"min"`
	Max          float32  `toml:"max"`
	// Scale converts the smoothed vector into the range the shaders see.
	Scale        float32  `toml:"scale"`
	Liveness     Duration `toml:"liveness"`
	IdleTimeout  Duration `toml:"idle_timeout"`
	AutoDiscover bool     `toml:"auto_discover"`
	Allow        []string `toml:"allow"`
}

type PanelOptions struct {
	Enabled      bool     `toml:"enabled"`
	Port         string   `toml:"port"`
	SpeedMHz     int      `toml:"speed_mhz"`
	DC           string   `toml:"dc"`
	RST          string   `toml:"rst"`
	BL           string   `toml:"bl"`
	Width        int      `toml:"width"`
	Height       int      `toml:"height"`
	ColOffset    int      `toml:"col_offset"`
	RowOffset    int      `toml:"row_offset"`
	Rotation     string   `toml:"rotation"`
	Invert       bool     `toml:"invert"`
	Fit          string   `toml:"fit"`
	FPS          int      `toml:"fps"`
	Oversample   int      `toml:"oversample"`
	WriteTimeout Duration `toml:"write_timeout"`
}

type RecordOptions struct {
	Path       string `toml:"path"`
	Width      int    `toml:"width"`
	Height     int    `toml:"height"`
	FPS        int    `toml:"fps"`
	Codec      string `toml:"codec"`
	Encoder    string `toml:"encoder"`
	Bitrate    string `toml:"bitrate"`
	FFmpegPath string `toml:"ffmpeg"`
}

type Options struct {
	LogLevel string `toml:"log_level"`
	// Status is the period of the status line; zero disables it.
	Status  Duration      `toml:"status"`
	Window  bool          `toml:"window"`
	Width   int           `toml:"width"`
	Height  int           `toml:"height"`
	FPS     int           `toml:"fps"`
	Shaders ShaderOptions `toml:"shaders"`
	Sensor  SensorOptions `toml:"sensor"`
	Panel   PanelOptions  `toml:"panel"`
	Record  RecordOptions `toml:"record"`

	// ConfigFile is where the TOML values came from, if anywhere.
	ConfigFile string `toml:"-"`
}

// Default returns the built-in configuration: a 500×500 window, the
// shaders in ./shaders, and the sensor stream over RFCOMM channel 1.
func Default() Options {
	hw := panel.DefaultHardware()
	geo := panel.DefaultGeometry()
	f := sensor.DefaultFilter()
	sc := sensor.DefaultConfig()
	wo := watcher.DefaultOptions()
	return Options{
		LogLevel: "info",
		Status:   Duration{10 * time.Second},
		Window:   true,
		Width:    500,
		Height:   500,
		FPS:      60,
		Shaders: ShaderOptions{
			Dir:         "shaders",
			Vertex:      "master.vert",
			GateTimeout: Duration{5 * time.Second},
			Debounce:    Duration{wo.Debounce},
			Poll:        Duration{wo.Poll},
		},
		Sensor: SensorOptions{
			Enabled:      true,
			Transport:    "rfcomm",
			Addr:         ":5005",
			Channel:      1,
			Alpha:        f.Alpha,
			Gain:         f.Gain,
			Min:          f.Min,
			Max:          f.Max,
			Scale:        0.1,
			Liveness:     Duration{sc.LivenessInterval},
			AutoDiscover: sc.AutoDiscover,
		},
		Panel: PanelOptions{
			Port:         hw.Port,
			SpeedMHz:     hw.SpeedMHz,
			DC:           hw.DC,
			RST:          hw.RST,
			BL:           hw.BL,
			Width:        geo.Width,
			Height:       geo.Height,
			ColOffset:    geo.ColOffset,
			RowOffset:    geo.RowOffset,
			Rotation:     "portrait",
			Invert:       geo.Invert,
			Fit:          "fill",
			FPS:          30,
			Oversample:   2,
			WriteTimeout: Duration{500 * time.Millisecond},
		},
		Record: RecordOptions{
			Width:   1280,
			Height:  720,
			FPS:     30,
			Codec:   "h264",
			Bitrate: "8M",
		},
	}
}

// Load decodes a TOML file over o. Unknown keys are an error.
func (o *Options) Load(path string) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return &ConfigError{Problems: []string{err.Error()}}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Problems: []string{err.Error()}}
	}
	dec := toml.NewDecoder(bytes.NewReader(b)).DisallowUnknownFields()
	if err := dec.Decode(o); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return &ConfigError{Problems: []string{fmt.Sprintf("%s: %s", path, strings.TrimSpace(sme.String()))}}
		}
		var de *toml.DecodeError
		if errors.As(err, &de) {
			row, col := de.Position()
			return &ConfigError{Problems: []string{fmt.Sprintf("%s:%d:%d: %v", path, row, col, de)}}
		}
		return &ConfigError{Problems: []string{fmt.Sprintf("%s: %v", path, err)}}
	}
	o.ConfigFile = path
	return nil
}

type listValue struct{ list *[]string }

func (l listValue) String() string {
	if l.list == nil {
		return ""
	}
	return strings.Join(*l.list, ",")
}

func (l listValue) Set(s string) error {
	*l.list = nil
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*l.list = append(*l.list, p)
		}
	}
	return nil
}

// bind registers the flags on fs with o's current values as defaults.
func (o *Options) bind(fs *flag.FlagSet, config *string) {
	fs.StringVar(config, "config", "", "TOML configuration file")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&o.Status.Duration, "status", o.Status.Duration, "status line period, 0 to disable")
	fs.BoolVar(&o.Window, "window", o.Window, "show the desktop window")
	fs.IntVar(&o.Width, "width", o.Width, "render width")
	fs.IntVar(&o.Height, "height", o.Height, "render height")
	fs.IntVar(&o.FPS, "fps", o.FPS, "frame rate without a window")

	fs.StringVar(&o.Shaders.Dir, "shaders", o.Shaders.Dir, "shader directory")
	fs.StringVar(&o.Shaders.Vertex, "vert", o.Shaders.Vertex, "vertex shader")
	fs.Var(listValue{&o.Shaders.Fragments}, "frag", "comma separated fragment shaders (default: every *.frag in the shader directory)")
	fs.StringVar(&o.Shaders.Gate, "gate", o.Shaders.Gate, "external validator run before each compile, e.g. 'glslangValidator {path}'")

	fs.BoolVar(&o.Sensor.Enabled, "sensor", o.Sensor.Enabled, "read the sensor stream")
	fs.StringVar(&o.Sensor.Transport, "sensor-transport", o.Sensor.Transport, "sensor transport (rfcomm, tcp)")
	fs.StringVar(&o.Sensor.Addr, "sensor-addr", o.Sensor.Addr, "TCP listen address for the sensor stream")

	fs.BoolVar(&o.Panel.Enabled, "panel", o.Panel.Enabled, "drive the SPI panel")
	fs.StringVar(&o.Panel.Port, "panel-port", o.Panel.Port, "SPI port of the panel")
	fs.StringVar(&o.Panel.Fit, "panel-fit", o.Panel.Fit, "panel scaling (fill, letterbox, stretch)")

	fs.StringVar(&o.Record.Path, "record", o.Record.Path, "record the output to this video file")
	fs.StringVar(&o.Record.FFmpegPath, "ffmpeg", o.Record.FFmpegPath, "path to the ffmpeg executable")
}

// Parse builds the configuration from args (without the program name):
// defaults, then the -config file, then the flags given explicitly.
func Parse(args []string) (Options, error) {
	var config string
	probe := Default()
	fs := flag.NewFlagSet("goshaderpanel", flag.ContinueOnError)
	probe.bind(fs, &config)
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	o := Default()
	if config != "" {
		if err := o.Load(config); err != nil {
			return Options{}, err
		}
	}
	// Re-parse over the loaded values; only explicit flags change them.
	fs = flag.NewFlagSet("goshaderpanel", flag.ContinueOnError)
	o.bind(fs, &config)
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if err := o.expand(); err != nil {
		return Options{}, err
	}
	return o, o.Validate()
}

func (o *Options) expand() error {
	for _, p := range []*string{&o.Shaders.Dir, &o.Shaders.Vertex, &o.Record.Path, &o.Record.FFmpegPath} {
		v, err := homedir.Expand(*p)
		if err != nil {
			return &ConfigError{Problems: []string{err.Error()}}
		}
		*p = v
	}
	for i, p := range o.Shaders.Fragments {
		v, err := homedir.Expand(p)
		if err != nil {
			return &ConfigError{Problems: []string{err.Error()}}
		}
		o.Shaders.Fragments[i] = v
	}
	return nil
}

// ShaderPaths resolves the vertex and fragment paths against the shader
// directory.
func (o Options) ShaderPaths() (string, []string, error) {
	resolve := func(p string) string {
		if filepath.IsAbs(p) || o.Shaders.Dir == "" {
			return p
		}
		return filepath.Join(o.Shaders.Dir, p)
	}
	vertex := resolve(o.Shaders.Vertex)
	if len(o.Shaders.Fragments) > 0 {
		frags := make([]string, len(o.Shaders.Fragments))
		for i, f := range o.Shaders.Fragments {
			frags[i] = resolve(f)
		}
		return vertex, frags, nil
	}
	frags, err := filepath.Glob(filepath.Join(o.Shaders.Dir, "*.frag"))
	if err != nil {
		return "", nil, err
	}
	if len(frags) == 0 {
		return "", nil, fmt.Errorf("no *.frag files in %s", o.Shaders.Dir)
	}
	sort.Strings(frags)
	return vertex, frags, nil
}

// ConfigError lists everything wrong with a configuration. It is fatal at
// startup.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate reports every problem at once.
func (o Options) Validate() error {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	if _, err := log.ParseLevel(o.LogLevel); err != nil {
		add("log level %q: %v", o.LogLevel, err)
	}
	if !o.Window && !o.Panel.Enabled && o.Record.Path == "" {
		add("no output enabled (window, panel or record)")
	}
	if o.Width <= 0 || o.Height <= 0 {
		add("render size %dx%d must be positive", o.Width, o.Height)
	}
	if o.FPS <= 0 {
		add("fps %d must be positive", o.FPS)
	}
	if o.Status.Duration < 0 {
		add("status period %s is negative", o.Status.Duration)
	}

	if o.Shaders.Vertex == "" {
		add("no vertex shader")
	}
	if _, _, err := o.ShaderPaths(); err != nil {
		add("shaders: %v", err)
	}
	if o.Shaders.Debounce.Duration <= 0 || o.Shaders.Poll.Duration <= 0 {
		add("shader debounce and poll must be positive")
	}
	if o.Shaders.Gate != "" && o.Shaders.GateTimeout.Duration <= 0 {
		add("gate timeout must be positive")
	}

	if o.Sensor.Enabled {
		if err := o.SensorConfig().Filter.Validate(); err != nil {
			add("sensor: %v", err)
		}
		switch o.Sensor.Transport {
		case "rfcomm":
			if o.Sensor.Channel < 1 || o.Sensor.Channel > 30 {
				add("sensor: rfcomm channel %d out of range 1-30", o.Sensor.Channel)
			}
		case "tcp":
			if o.Sensor.Addr == "" {
				add("sensor: tcp transport needs an address")
			}
		default:
			add("sensor: unknown transport %q (rfcomm, tcp)", o.Sensor.Transport)
		}
		if math32.IsNaN(o.Sensor.Scale) || math32.IsInf(o.Sensor.Scale, 0) || o.Sensor.Scale == 0 {
			add("sensor: scale must be finite and non-zero, got %v", o.Sensor.Scale)
		}
		if o.Sensor.Liveness.Duration <= 0 {
			add("sensor: liveness interval must be positive")
		}
		if o.Sensor.IdleTimeout.Duration < 0 {
			add("sensor: idle timeout is negative")
		}
	}

	if o.Panel.Enabled {
		if _, err := o.PanelGeometry(); err != nil {
			add("panel: %v", err)
		}
		if _, err := panel.ParseFit(o.Panel.Fit); err != nil {
			add("panel: %v", err)
		}
		if o.Panel.Width <= 0 || o.Panel.Height <= 0 {
			add("panel: size %dx%d must be positive", o.Panel.Width, o.Panel.Height)
		}
		if o.Panel.SpeedMHz <= 0 || o.Panel.FPS <= 0 || o.Panel.Oversample < 1 {
			add("panel: speed, fps and oversample must be positive")
		}
		if o.Panel.WriteTimeout.Duration <= 0 {
			add("panel: write timeout must be positive")
		}
		if o.Panel.DC == "" {
			add("panel: DC pin is required")
		}
	}

	if o.Record.Path != "" {
		switch o.Record.Codec {
		case "h264", "hevc":
		default:
			add("record: unknown codec %q (h264, hevc)", o.Record.Codec)
		}
		if o.Record.Width <= 0 || o.Record.Height <= 0 || o.Record.Width%2 != 0 || o.Record.Height%2 != 0 {
			add("record: size %dx%d must be positive and even", o.Record.Width, o.Record.Height)
		}
		if o.Record.FPS <= 0 {
			add("record: fps must be positive")
		}
	}

	if len(p) > 0 {
		return &ConfigError{Problems: p}
	}
	return nil
}

func (o Options) WatcherOptions() watcher.Options {
	return watcher.Options{Debounce: o.Shaders.Debounce.Duration, Poll: o.Shaders.Poll.Duration}
}

func (o Options) SensorConfig() sensor.Config {
	c := sensor.DefaultConfig()
	c.Filter = sensor.Filter{Alpha: o.Sensor.Alpha, Gain: o.Sensor.Gain, Min: o.Sensor.Min, Max: o.Sensor.Max}
	c.LivenessInterval = o.Sensor.Liveness.Duration
	c.IdleTimeout = o.Sensor.IdleTimeout.Duration
	c.AutoDiscover = o.Sensor.AutoDiscover
	c.Allow = o.Sensor.Allow
	return c
}

// SensorTransport returns the configured transport.
func (o Options) SensorTransport() sensor.Transport {
	if o.Sensor.Transport == "tcp" {
		return sensor.NewTCP(o.Sensor.Addr)
	}
	return sensor.NewRFCOMM(uint8(o.Sensor.Channel))
}

func (o Options) PanelHardware() panel.Hardware {
	return panel.Hardware{Port: o.Panel.Port, SpeedMHz: o.Panel.SpeedMHz, DC: o.Panel.DC, RST: o.Panel.RST, BL: o.Panel.BL}
}

func (o Options) PanelGeometry() (panel.Geometry, error) {
	rot, err := panel.ParseRotation(o.Panel.Rotation)
	if err != nil {
		return panel.Geometry{}, err
	}
	return panel.Geometry{
		Width:     o.Panel.Width,
		Height:    o.Panel.Height,
		ColOffset: o.Panel.ColOffset,
		RowOffset: o.Panel.RowOffset,
		Rotation:  rot,
		Invert:    o.Panel.Invert,
	}, nil
}

func (o Options) RecorderOptions() encoder.Options {
	return encoder.Options{
		Path:       o.Record.Path,
		Width:      o.Record.Width,
		Height:     o.Record.Height,
		FPS:        o.Record.FPS,
		Codec:      o.Record.Codec,
		Encoder:    o.Record.Encoder,
		Bitrate:    o.Record.Bitrate,
		FFmpegPath: o.Record.FFmpegPath,
	}
}
