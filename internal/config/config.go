package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// DefaultBaudRate is the MicroPython REPL speed used by most boards
const DefaultBaudRate = 115200

// serialScheme is stripped from device addresses before use
const serialScheme = "serial://"

// DeviceTarget identifies the serial endpoint of the board
type DeviceTarget struct {
	Address  string
	BaudRate int
}

// Config represents the complete mpydeploy configuration
type Config struct {
	DeviceConfig  string        `yaml:"device_config"`
	ProjectConfig string        `yaml:"project_config"`
	BaudRate      int           `yaml:"baud_rate"`
	Timing        Timing        `yaml:"timing"`
	Monitor       MonitorConfig `yaml:"monitor"`
	Sync          SyncConfig    `yaml:"sync"`

	// Populated from the device and project documents.
	Device  DeviceDocument  `yaml:"-"`
	Project ProjectDocument `yaml:"-"`
}

// Timing holds the settle and pacing delays of the pipeline.
//
// None of these are protocol guarantees. They are heuristics that keep a
// busy board from dropping input and give the operator time to read the
// screen; slow boards may need larger values.
type Timing struct {
	InterruptSettle time.Duration `yaml:"interrupt_settle"`
	SafeBootSettle  time.Duration `yaml:"safe_boot_settle"`
	FilePacing      time.Duration `yaml:"file_pacing"`
	ResetFlush      time.Duration `yaml:"reset_flush"`
	RebootSettle    time.Duration `yaml:"reboot_settle"`
	MonitorNotice   time.Duration `yaml:"monitor_notice"`
}

// MonitorConfig configures the external log viewer
type MonitorConfig struct {
	Enabled *bool    `yaml:"enabled"`
	Command []string `yaml:"command"`
}

// SyncConfig configures stale file handling on the device
type SyncConfig struct {
	Prune     bool   `yaml:"prune"`
	StateFile string `yaml:"state_file"`
}

// DeviceDocument is the device-config.json document
type DeviceDocument struct {
	CurrentDevice string `json:"currentDevice"`
	BaudRate      int    `json:"baudRate"`
}

// ProjectDocument is the pymakr.conf project document
type ProjectDocument struct {
	Ignore []string `json:"py_ignore"`
}

// Options selects the files Load reads. Empty fields fall back to the
// settings file or the defaults.
type Options struct {
	SettingsFile  string
	DeviceConfig  string
	ProjectConfig string
	Root          string

	// Port replaces currentDevice; the device config may then be absent.
	Port string
	// BaudRate, when positive, wins over every configured rate.
	BaudRate int
}

// DefaultTiming returns the delays observed to work on ESP32 class boards.
func DefaultTiming() Timing {
	return Timing{
		InterruptSettle: 500 * time.Millisecond,
		SafeBootSettle:  time.Second,
		FilePacing:      100 * time.Millisecond,
		ResetFlush:      500 * time.Millisecond,
		RebootSettle:    2 * time.Second,
		MonitorNotice:   3 * time.Second,
	}
}

// DefaultMonitorCommand is the viewer argv; {port} and {baud} are expanded.
func DefaultMonitorCommand() []string {
	return []string{"screen", "{port}", "{baud}"}
}

// Load reads the settings file and the device and project documents it
// points to.
func Load(opts Options) (*Config, error) {
	cfg, err := LoadSettings(opts.SettingsFile)
	if err != nil {
		return nil, err
	}

	if opts.DeviceConfig != "" {
		cfg.DeviceConfig = opts.DeviceConfig
	}
	if opts.ProjectConfig != "" {
		cfg.ProjectConfig = opts.ProjectConfig
	}
	if opts.BaudRate > 0 {
		cfg.BaudRate = opts.BaudRate
	}
	cfg.resolvePaths(opts.Root)

	var device *DeviceDocument
	if opts.Port != "" {
		device, err = loadDeviceWithPort(cfg.DeviceConfig, opts.Port)
	} else {
		device, err = LoadDevice(cfg.DeviceConfig)
	}
	if err != nil {
		return nil, err
	}
	cfg.Device = *device

	project, err := LoadProject(cfg.ProjectConfig)
	if err != nil {
		return nil, err
	}
	cfg.Project = *project

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadSettings parses the optional mpydeploy.yaml. A missing file yields
// the defaults; an explicitly broken one is an error.
func LoadSettings(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		path = os.ExpandEnv(path)
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse settings file: %w", err)
			}
		}
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadDevice reads the device document. Comments and trailing commas are
// accepted.
func LoadDevice(path string) (*DeviceDocument, error) {
	var doc DeviceDocument
	if err := readJSONC(path, &doc); err != nil {
		return nil, fmt.Errorf("failed to load device config: %w", err)
	}
	if strings.TrimSpace(doc.CurrentDevice) == "" {
		return nil, fmt.Errorf("device config %s: currentDevice is required", path)
	}
	return &doc, nil
}

// loadDeviceWithPort reads the device document if there is one and points
// it at port.
func loadDeviceWithPort(path, port string) (*DeviceDocument, error) {
	var doc DeviceDocument
	err := readJSONC(path, &doc)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load device config: %w", err)
	}
	doc.CurrentDevice = port
	return &doc, nil
}

// LoadProject reads the project document. A missing file means no ignore
// rules.
func LoadProject(path string) (*ProjectDocument, error) {
	var doc ProjectDocument
	err := readJSONC(path, &doc)
	if errors.Is(err, os.ErrNotExist) {
		return &doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project config: %w", err)
	}
	return &doc, nil
}

func readJSONC(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.DeviceConfig = os.ExpandEnv(c.DeviceConfig)
	c.ProjectConfig = os.ExpandEnv(c.ProjectConfig)
	c.Sync.StateFile = os.ExpandEnv(c.Sync.StateFile)
	for i, arg := range c.Monitor.Command {
		c.Monitor.Command[i] = os.ExpandEnv(arg)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DeviceConfig == "" {
		c.DeviceConfig = "device-config.json"
	}
	if c.ProjectConfig == "" {
		c.ProjectConfig = "pymakr.conf"
	}
	if c.Sync.StateFile == "" {
		c.Sync.StateFile = filepath.Join(".mpydeploy", "state.json")
	}
	if len(c.Monitor.Command) == 0 {
		c.Monitor.Command = DefaultMonitorCommand()
	}

	// yaml cannot tell an omitted duration from 0, so 0 means default here.
	def := DefaultTiming()
	for _, d := range []struct{ v, def *time.Duration }{
		{&c.Timing.InterruptSettle, &def.InterruptSettle},
		{&c.Timing.SafeBootSettle, &def.SafeBootSettle},
		{&c.Timing.FilePacing, &def.FilePacing},
		{&c.Timing.ResetFlush, &def.ResetFlush},
		{&c.Timing.RebootSettle, &def.RebootSettle},
		{&c.Timing.MonitorNotice, &def.MonitorNotice},
	} {
		if *d.v == 0 {
			*d.v = *d.def
		}
	}
}

// resolvePaths anchors relative config paths at the project root
func (c *Config) resolvePaths(root string) {
	if root == "" {
		return
	}
	for _, p := range []*string{&c.DeviceConfig, &c.ProjectConfig, &c.Sync.StateFile} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.BaudRate < 0 {
		return fmt.Errorf("baud_rate must be positive: %d", c.BaudRate)
	}
	if c.Device.BaudRate < 0 {
		return fmt.Errorf("device baudRate must be positive: %d", c.Device.BaudRate)
	}

	for name, d := range map[string]time.Duration{
		"interrupt_settle": c.Timing.InterruptSettle,
		"safe_boot_settle": c.Timing.SafeBootSettle,
		"file_pacing":      c.Timing.FilePacing,
		"reset_flush":      c.Timing.ResetFlush,
		"reboot_settle":    c.Timing.RebootSettle,
		"monitor_notice":   c.Timing.MonitorNotice,
	} {
		if d < 0 {
			return fmt.Errorf("timing.%s must not be negative: %s", name, d)
		}
	}

	if len(c.Monitor.Command) == 0 || c.Monitor.Command[0] == "" {
		return fmt.Errorf("monitor.command must name a program")
	}

	for _, pattern := range c.Project.Ignore {
		if pattern == "" {
			return fmt.Errorf("py_ignore must not contain empty patterns (they would match every path)")
		}
	}

	return nil
}

// Target returns the serial endpoint with the scheme prefix removed.
// The settings file baud rate wins over the device document.
func (c *Config) Target() DeviceTarget {
	baud := DefaultBaudRate
	if c.Device.BaudRate > 0 {
		baud = c.Device.BaudRate
	}
	if c.BaudRate > 0 {
		baud = c.BaudRate
	}
	return DeviceTarget{
		Address:  StripScheme(c.Device.CurrentDevice),
		BaudRate: baud,
	}
}

// Ignore returns the project's ignore substrings
func (c *Config) Ignore() []string {
	out := make([]string, len(c.Project.Ignore))
	copy(out, c.Project.Ignore)
	return out
}

// MonitorEnabled reports whether the viewer should be launched
func (c *Config) MonitorEnabled() bool {
	return c.Monitor.Enabled == nil || *c.Monitor.Enabled
}

// StripScheme removes a leading serial:// from a device address
func StripScheme(address string) string {
	return strings.TrimPrefix(strings.TrimSpace(address), serialScheme)
}
