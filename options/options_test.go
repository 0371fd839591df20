package options

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/goshaderpanel/panel"
)

// shaderDir creates a directory with a vertex shader and two scenes.
func shaderDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"master.vert", "waves.frag", "grid.frag"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("void main() {}\n"), 0o644))
	}
	return dir
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "panel.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	o := Default()
	o.Shaders.Dir = shaderDir(t)
	require.NoError(t, o.Validate())

	assert.Equal(t, 500, o.Width)
	assert.Equal(t, "rfcomm", o.Sensor.Transport)
	assert.Equal(t, 150*time.Millisecond, o.Shaders.Debounce.Duration)
	assert.False(t, o.Panel.Enabled)
}

func TestShaderPathsGlobsSorted(t *testing.T) {
	o := Default()
	o.Shaders.Dir = shaderDir(t)
	vert, frags, err := o.ShaderPaths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(o.Shaders.Dir, "master.vert"), vert)
	assert.Equal(t, []string{
		filepath.Join(o.Shaders.Dir, "grid.frag"),
		filepath.Join(o.Shaders.Dir, "waves.frag"),
	}, frags)
}

func TestShaderPathsExplicit(t *testing.T) {
	o := Default()
	o.Shaders.Dir = "/srv/shaders"
	o.Shaders.Fragments = []string{"b.frag", "/abs/a.frag"}
	_, frags, err := o.ShaderPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/shaders/b.frag", "/abs/a.frag"}, frags)
}

func TestParseFlagsOverrideFile(t *testing.T) {
	dir := shaderDir(t)
	cfg := writeConfig(t, `
log_level = "debug"
width = 800
height = 600

[shaders]
dir = "`+dir+`"
debounce = "300ms"

[sensor]
transport = "tcp"
addr = ":6000"
alpha = 0.25

[panel]
enabled = true
rotation = "landscape"
fit = "letterbox"
`)

	o, err := Parse([]string{"-config", cfg, "-width", "1024", "-sensor-addr", ":7000"})
	require.NoError(t, err)

	assert.Equal(t, cfg, o.ConfigFile)
	assert.Equal(t, "debug", o.LogLevel)
	assert.Equal(t, 1024, o.Width, "flag wins over file")
	assert.Equal(t, 600, o.Height, "file wins over default")
	assert.Equal(t, 300*time.Millisecond, o.Shaders.Debounce.Duration)
	assert.Equal(t, ":7000", o.Sensor.Addr)
	assert.Equal(t, float32(0.25), o.Sensor.Alpha)
	assert.Equal(t, float32(1), o.Sensor.Gain, "untouched keys keep defaults")
	assert.Equal(t, float32(0.1), o.Sensor.Scale)

	geo, err := o.PanelGeometry()
	require.NoError(t, err)
	assert.Equal(t, panel.Landscape, geo.Rotation)
	assert.Equal(t, 20, geo.RowOffset)
}

func TestParseFragList(t *testing.T) {
	dir := shaderDir(t)
	o, err := Parse([]string{"-shaders", dir, "-frag", "waves.frag, grid.frag"})
	require.NoError(t, err)
	assert.Equal(t, []string{"waves.frag", "grid.frag"}, o.Shaders.Fragments)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	cfg := writeConfig(t, "widht = 10\n")
	o := Default()
	err := o.Load(cfg)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "widht")
}

func TestLoadBadDuration(t *testing.T) {
	cfg := writeConfig(t, "[shaders]\npoll = \"soon\"\n")
	o := Default()
	var ce *ConfigError
	assert.ErrorAs(t, o.Load(cfg), &ce)
}

func TestLoadMissingFile(t *testing.T) {
	o := Default()
	var ce *ConfigError
	assert.ErrorAs(t, o.Load(filepath.Join(t.TempDir(), "nope.toml")), &ce)
}

func TestValidateCollectsProblems(t *testing.T) {
	o := Default()
	o.Shaders.Dir = shaderDir(t)
	o.Window = false
	o.LogLevel = "loud"
	o.Sensor.Alpha = 0
	o.Sensor.Transport = "usb"
	o.Record.Path = "out.mp4"
	o.Record.Codec = "vp9"
	o.Record.Width = 641

	err := o.Validate()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Problems, 5)
	assert.Contains(t, err.Error(), "vp9")
}

func TestValidateNoOutput(t *testing.T) {
	o := Default()
	o.Shaders.Dir = shaderDir(t)
	o.Window = false
	err := o.Validate()
	assert.ErrorContains(t, err, "no output enabled")
}

func TestValidatePanel(t *testing.T) {
	o := Default()
	o.Shaders.Dir = shaderDir(t)
	o.Panel.Enabled = true
	o.Panel.Rotation = "sideways"
	o.Panel.Fit = "zoom"
	o.Panel.WriteTimeout = Duration{}
	var ce *ConfigError
	require.ErrorAs(t, o.Validate(), &ce)
	assert.Len(t, ce.Problems, 3)
	assert.Contains(t, ce.Error(), "write timeout")
}

func TestParseRejectsZeroPanelWriteTimeout(t *testing.T) {
	cfg := writeConfig(t, `
[shaders]
dir = "`+shaderDir(t)+`"

[panel]
enabled = true
write_timeout = "0s"
`)
	_, err := Parse([]string{"-config", cfg})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"panel: write timeout must be positive"}, ce.Problems)
}

func TestValidateEmptyShaderDir(t *testing.T) {
	o := Default()
	o.Shaders.Dir = t.TempDir()
	assert.ErrorContains(t, o.Validate(), "no *.frag files")
}

func TestConverters(t *testing.T) {
	o := Default()
	o.Sensor.IdleTimeout = Duration{time.Minute}
	o.Sensor.Allow = []string{"AA:BB:CC:DD:EE:FF"}
	sc := o.SensorConfig()
	assert.Equal(t, float32(0.1), sc.Filter.Alpha)
	assert.Equal(t, time.Minute, sc.IdleTimeout)
	assert.Equal(t, 500*time.Millisecond, sc.LivenessInterval)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, sc.Allow)

	hw := o.PanelHardware()
	assert.Equal(t, panel.DefaultHardware(), hw)

	o.Record.Path = "clip.mp4"
	ro := o.RecorderOptions()
	assert.Equal(t, "clip.mp4", ro.Path)
	assert.Equal(t, "h264", ro.Codec)

	wo := o.WatcherOptions()
	assert.Equal(t, 500*time.Millisecond, wo.Poll)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1.5s")))
	assert.Equal(t, 1500*time.Millisecond, d.Duration)
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", string(b))
	assert.Error(t, d.UnmarshalText([]byte("later")))
}
