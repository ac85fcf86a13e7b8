package config

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/mesofield/internal/acquisition"
	"github.com/banshee-data/mesofield/internal/fsutil"
	"github.com/banshee-data/mesofield/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical session defaults file.
const DefaultConfigPath = "config/session.defaults.json"

// maxFileSize bounds config files read from disk.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// SessionConfig is the root configuration for one acquisition session.
// Every field is optional; the Get* methods fall back to defaults.
type SessionConfig struct {
	// Session timing
	Duration *string `json:"duration,omitempty"` // duration string like "60s"

	// Cameras
	MesoFPS                 *float64 `json:"meso_fps,omitempty"`
	PupilFPS                *float64 `json:"pupil_fps,omitempty"`
	PupilSafetyMarginFrames *int     `json:"pupil_safety_margin_frames,omitempty"`
	DrainPollInterval       *string  `json:"drain_poll_interval,omitempty"`
	TimingTolerance         *string  `json:"timing_tolerance,omitempty"`
	BigTIFF                 *bool    `json:"bigtiff,omitempty"`

	// Illumination
	LEDPattern    []string               `json:"led_pattern,omitempty"`
	LEDPrimeValue *string                `json:"led_prime_value,omitempty"`
	LEDPort       *string                `json:"led_port,omitempty"`
	LEDSerial     *serialmux.PortOptions `json:"led_serial,omitempty"`

	// Trigger
	StartOnTrigger        *bool                  `json:"start_on_trigger,omitempty"`
	TriggerPollInterval   *string                `json:"trigger_poll_interval,omitempty"`
	TriggerPulseDuration  *string                `json:"trigger_pulse_duration,omitempty"`
	TriggerOutputChannels *int                   `json:"trigger_output_channels,omitempty"`
	DIOPort               *string                `json:"dio_port,omitempty"`
	DIOSerial             *serialmux.PortOptions `json:"dio_serial,omitempty"`

	// Device replies
	ReplyTimeout *string `json:"reply_timeout,omitempty"`

	// Ledger annotations
	Subject *string `json:"subject,omitempty"`
	Task    *string `json:"task,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySessionConfig returns a SessionConfig with every field unset.
func EmptySessionConfig() *SessionConfig {
	return &SessionConfig{}
}

// DefaultSessionConfig returns a SessionConfig with every field set to the
// value its getter would fall back to.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Duration:                ptrString("60s"),
		MesoFPS:                 ptrFloat64(50),
		PupilFPS:                ptrFloat64(34),
		PupilSafetyMarginFrames: ptrInt(10),
		DrainPollInterval:       ptrString("1ms"),
		TimingTolerance:         ptrString("50ms"),
		BigTIFF:                 ptrBool(true),
		LEDPattern:              []string{"4", "4", "16", "16"},
		LEDPrimeValue:           ptrString("4"),
		StartOnTrigger:          ptrBool(false),
		TriggerPollInterval:     ptrString("100ms"),
		TriggerPulseDuration:    ptrString("1s"),
		TriggerOutputChannels:   ptrInt(1),
		ReplyTimeout:            ptrString("2s"),
	}
}

// LoadSessionConfig loads a SessionConfig from a JSON file. The file must
// have a .json extension and be no larger than 1MB. Fields omitted from the
// file keep their defaults through the Get* methods.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	return LoadSessionConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadSessionConfigFS is LoadSessionConfig reading through fsys.
func LoadSessionConfigFS(fsys fsutil.FileSystem, path string) (*SessionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySessionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, acquisition.ConfigErrorf("failed to parse config JSON: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *SessionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadSessionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable. Errors wrap
// acquisition.ErrConfiguration.
func (c *SessionConfig) Validate() error {
	durations := []struct {
		name     string
		value    *string
		positive bool
	}{
		{"duration", c.Duration, true},
		{"drain_poll_interval", c.DrainPollInterval, true},
		{"timing_tolerance", c.TimingTolerance, false},
		{"trigger_poll_interval", c.TriggerPollInterval, true},
		{"trigger_pulse_duration", c.TriggerPulseDuration, false},
		{"reply_timeout", c.ReplyTimeout, true},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return acquisition.ConfigErrorf("invalid %s '%s': %v", d.name, *d.value, err)
		}
		if v < 0 || (d.positive && v == 0) {
			return acquisition.ConfigErrorf("%s must be positive, got %s", d.name, v)
		}
	}

	if c.MesoFPS != nil && !validFPS(*c.MesoFPS) {
		return acquisition.ConfigErrorf("meso_fps must be positive, got %f", *c.MesoFPS)
	}
	if c.PupilFPS != nil && !validFPS(*c.PupilFPS) {
		return acquisition.ConfigErrorf("pupil_fps must be positive, got %f", *c.PupilFPS)
	}
	if c.PupilSafetyMarginFrames != nil && *c.PupilSafetyMarginFrames < 0 {
		return acquisition.ConfigErrorf("pupil_safety_margin_frames must be non-negative, got %d", *c.PupilSafetyMarginFrames)
	}
	if c.TriggerOutputChannels != nil && *c.TriggerOutputChannels < 1 {
		return acquisition.ConfigErrorf("trigger_output_channels must be at least 1, got %d", *c.TriggerOutputChannels)
	}

	if c.LEDPattern != nil && len(c.LEDPattern) == 0 {
		return acquisition.ConfigErrorf("led_pattern must not be empty")
	}
	for i, tok := range c.LEDPattern {
		if strings.TrimSpace(tok) == "" || strings.ContainsAny(tok, ", \r\n") {
			return acquisition.ConfigErrorf("led_pattern[%d] is not a valid token: %q", i, tok)
		}
	}

	if c.LEDSerial != nil {
		if _, err := c.LEDSerial.Normalize(); err != nil {
			return acquisition.ConfigErrorf("invalid led_serial: %v", err)
		}
	}
	if c.DIOSerial != nil {
		if _, err := c.DIOSerial.Normalize(); err != nil {
			return acquisition.ConfigErrorf("invalid dio_serial: %v", err)
		}
	}

	return nil
}

func validFPS(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetDuration returns the session duration or the default.
func (c *SessionConfig) GetDuration() time.Duration {
	return durationOr(c.Duration, 60*time.Second)
}

// GetMesoFPS returns the mesoscope camera frame rate or the default.
func (c *SessionConfig) GetMesoFPS() float64 {
	if c.MesoFPS == nil {
		return 50
	}
	return *c.MesoFPS
}

// GetPupilFPS returns the pupil camera frame rate or the default.
func (c *SessionConfig) GetPupilFPS() float64 {
	if c.PupilFPS == nil {
		return 34
	}
	return *c.PupilFPS
}

// GetPupilSafetyMarginFrames returns the number of extra frames planned for
// the pupil camera.
func (c *SessionConfig) GetPupilSafetyMarginFrames() int {
	if c.PupilSafetyMarginFrames == nil {
		return 10
	}
	return *c.PupilSafetyMarginFrames
}

// GetDrainPollInterval returns the ring buffer poll interval or the default.
func (c *SessionConfig) GetDrainPollInterval() time.Duration {
	return durationOr(c.DrainPollInterval, time.Millisecond)
}

// GetTimingTolerance returns the allowed start skew between cameras.
func (c *SessionConfig) GetTimingTolerance() time.Duration {
	return durationOr(c.TimingTolerance, 50*time.Millisecond)
}

// GetBigTIFF reports whether containers are written as BigTIFF.
func (c *SessionConfig) GetBigTIFF() bool {
	if c.BigTIFF == nil {
		return true
	}
	return *c.BigTIFF
}

// GetLEDPattern returns a copy of the illumination pattern or the default.
func (c *SessionConfig) GetLEDPattern() []string {
	if len(c.LEDPattern) == 0 {
		return []string{"4", "4", "16", "16"}
	}
	return append([]string(nil), c.LEDPattern...)
}

// GetLEDPrimeValue returns the value written once to wake the illumination
// device after power-up.
func (c *SessionConfig) GetLEDPrimeValue() string {
	if c.LEDPrimeValue == nil || *c.LEDPrimeValue == "" {
		return "4"
	}
	return *c.LEDPrimeValue
}

// GetLEDPort returns the illumination device serial path, empty if unset.
func (c *SessionConfig) GetLEDPort() string {
	if c.LEDPort == nil {
		return ""
	}
	return *c.LEDPort
}

// GetLEDSerial returns the illumination serial options.
func (c *SessionConfig) GetLEDSerial() serialmux.PortOptions {
	if c.LEDSerial == nil {
		return serialmux.PortOptions{}
	}
	return *c.LEDSerial
}

// GetStartOnTrigger reports whether acquisition waits for the external
// trigger line.
func (c *SessionConfig) GetStartOnTrigger() bool {
	if c.StartOnTrigger == nil {
		return false
	}
	return *c.StartOnTrigger
}

// GetTriggerPollInterval returns the trigger input poll interval.
func (c *SessionConfig) GetTriggerPollInterval() time.Duration {
	return durationOr(c.TriggerPollInterval, 100*time.Millisecond)
}

// GetTriggerPulseDuration returns how long an output trigger is held high.
func (c *SessionConfig) GetTriggerPulseDuration() time.Duration {
	return durationOr(c.TriggerPulseDuration, time.Second)
}

// GetTriggerOutputChannels returns the number of DIO output lines driven.
func (c *SessionConfig) GetTriggerOutputChannels() int {
	if c.TriggerOutputChannels == nil {
		return 1
	}
	return *c.TriggerOutputChannels
}

// GetDIOPort returns the digital I/O serial path, empty if unset.
func (c *SessionConfig) GetDIOPort() string {
	if c.DIOPort == nil {
		return ""
	}
	return *c.DIOPort
}

// GetDIOSerial returns the digital I/O serial options.
func (c *SessionConfig) GetDIOSerial() serialmux.PortOptions {
	if c.DIOSerial == nil {
		return serialmux.PortOptions{}
	}
	return *c.DIOSerial
}

// GetReplyTimeout returns how long device requests wait for a reply.
func (c *SessionConfig) GetReplyTimeout() time.Duration {
	return durationOr(c.ReplyTimeout, 2*time.Second)
}

func (c *SessionConfig) GetSubject() string {
	if c.Subject == nil {
		return ""
	}
	return *c.Subject
}

func (c *SessionConfig) GetTask() string {
	if c.Task == nil {
		return ""
	}
	return *c.Task
}
