// Package settings holds the configuration object built once at process start
// and injected into every component.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	RoleInterface = "interface"
	RoleStreamlit = "streamlit"
)

type Files struct {
	PumpConfig    string `yaml:"pump_config"`
	Cocktails     string `yaml:"cocktails"`
	Bottles       string `yaml:"bottles"`
	RoleMarker    string `yaml:"role_marker"`
	GPIOLock      string `yaml:"gpio_lock"`
	RefreshSignal string `yaml:"refresh_signal"`
	Database      string `yaml:"database"`
}

// Calibration coefficients are seconds per ml.
type Calibration struct {
	Default            float64 `yaml:"ml_coefficient" json:"ml_coefficient"`
	Peristaltic        float64 `yaml:"peristaltic_ml_coefficient" json:"peristaltic_ml_coefficient"`
	Membrane           float64 `yaml:"membrane_ml_coefficient" json:"membrane_ml_coefficient"`
	CarbonatedMembrane float64 `yaml:"carbonated_membrane_ml_coefficient" json:"carbonated_membrane_ml_coefficient"`
	PeristalticPumps   []int   `yaml:"peristaltic_pumps" json:"peristaltic_pumps"`
	MembranePumps      []int   `yaml:"membrane_pumps" json:"membrane_pumps"`
}

type Pumps struct {
	Chip           string  `yaml:"chip"`
	Motors         [][]int `yaml:"motors"`
	Concurrency    int     `yaml:"concurrency"`
	RetractionTime float64 `yaml:"retraction_time"`
	Invert         bool    `yaml:"invert_pins"`
}

type GPIOLock struct {
	Timeout float64 `yaml:"timeout"`
}

type BottleDefaults struct {
	CapacityML float64 `yaml:"capacity_ml"`
	WarningML  float64 `yaml:"warning_threshold_ml"`
	CriticalML float64 `yaml:"critical_threshold_ml"`
}

type MQTT struct {
	Enable   bool   `yaml:"enable"`
	Server   string `yaml:"server"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Notifications struct {
	Warning  bool `yaml:"warning"`
	Critical bool `yaml:"critical"`
	Empty    bool `yaml:"empty"`
	Refill   bool `yaml:"refill"`
	MQTT     MQTT `yaml:"mqtt"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type Settings struct {
	DevMode       bool              `yaml:"dev_mode"`
	Role          string            `yaml:"role"`
	Address       string            `yaml:"address"`
	Files         Files             `yaml:"files"`
	Calibration   Calibration       `yaml:"calibration"`
	Pumps         Pumps             `yaml:"pumps"`
	GPIOLock      GPIOLock          `yaml:"gpio_lock"`
	Bottles       BottleDefaults    `yaml:"bottles"`
	Aliases       map[string]string `yaml:"aliases"`
	Notifications Notifications     `yaml:"notifications"`
	Log           Log               `yaml:"log"`
}

// DefaultMotors is the pin table of the twelve pump rig (BCM numbering).
var DefaultMotors = [][]int{
	{17, 4}, {22, 27}, {9, 10}, {5, 11}, {13, 6}, {26, 19},
	{20, 21}, {16, 12}, {7, 8}, {25, 24}, {23, 18}, {15, 14},
}

func Default() Settings {
	return Settings{
		Role:    RoleInterface,
		Address: "0.0.0.0:8080",
		Files: Files{
			PumpConfig:    "pump_config.json",
			Cocktails:     "cocktails.json",
			Bottles:       "bottle_config.json",
			RoleMarker:    "/tmp/gpio_owner",
			GPIOLock:      "/tmp/gpio.lock",
			RefreshSignal: "interface_signal.json",
			Database:      "tipsy.db",
		},
		Calibration: Calibration{
			Default:            0.16,
			Peristaltic:        0.24,
			Membrane:           0.12,
			CarbonatedMembrane: 0.125,
			MembranePumps:      []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		},
		Pumps: Pumps{
			Chip:        "gpiochip0",
			Motors:      DefaultMotors,
			Concurrency: 6,
		},
		GPIOLock: GPIOLock{Timeout: 5},
		Bottles: BottleDefaults{
			CapacityML: 1000,
			WarningML:  200,
			CriticalML: 100,
		},
		Aliases: map[string]string{},
		Notifications: Notifications{
			Warning:  true,
			Critical: true,
			Empty:    true,
			Refill:   true,
			MQTT: MQTT{
				ClientID: "tipsy",
				Topic:    "tipsy/bottles",
			},
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  5,
			MaxBackups: 3,
		},
	}
}

// Load builds settings from defaults, the optional YAML file, an optional
// .env file and the environment, in that order.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return s, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return s, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s, fmt.Errorf("load .env: %w", err)
	}
	if err := s.applyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	return s, s.Validate()
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	var result *multierror.Error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	float := func(name string, dst *float64) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid %s=%q: %w", name, v, err))
			return
		}
		*dst = f
	}
	boolean := func(name string, dst *bool) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid %s=%q: %w", name, v, err))
			return
		}
		*dst = b
	}
	boolean("DEBUG", &s.DevMode)
	str("TIPSY_ROLE", &s.Role)
	str("PUMP_CONFIG_FILE", &s.Files.PumpConfig)
	str("COCKTAILS_FILE", &s.Files.Cocktails)
	str("BOTTLE_CONFIG_FILE", &s.Files.Bottles)
	float("ML_COEFFICIENT", &s.Calibration.Default)
	float("PERISTALTIC_ML_COEFFICIENT", &s.Calibration.Peristaltic)
	float("MEMBRANE_ML_COEFFICIENT", &s.Calibration.Membrane)
	float("CARBONATED_MEMBRANE_ML_COEFFICIENT", &s.Calibration.CarbonatedMembrane)
	float("RETRACTION_TIME", &s.Pumps.RetractionTime)
	boolean("INVERT_PUMP_PINS", &s.Pumps.Invert)
	float("GPIO_LOCK_TIMEOUT", &s.GPIOLock.Timeout)
	if v, ok := lookup("PUMP_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid PUMP_CONCURRENCY=%q: %w", v, err))
		} else {
			s.Pumps.Concurrency = n
		}
	}
	return result.ErrorOrNil()
}

func (s Settings) Validate() error {
	var result *multierror.Error
	if s.Role != RoleInterface && s.Role != RoleStreamlit {
		result = multierror.Append(result, fmt.Errorf("role must be %q or %q, got %q", RoleInterface, RoleStreamlit, s.Role))
	}
	if s.Pumps.Concurrency < 1 {
		result = multierror.Append(result, fmt.Errorf("pump concurrency must be >= 1, got %d", s.Pumps.Concurrency))
	}
	if len(s.Pumps.Motors) == 0 {
		result = multierror.Append(result, errors.New("pump pin table is empty"))
	}
	for i, pair := range s.Pumps.Motors {
		if len(pair) != 2 {
			result = multierror.Append(result, fmt.Errorf("pump %d: expected two pins, got %v", i+1, pair))
		}
	}
	if s.Pumps.RetractionTime < 0 {
		result = multierror.Append(result, fmt.Errorf("retraction time must be >= 0, got %v", s.Pumps.RetractionTime))
	}
	if s.Pumps.RetractionTime > 0 && len(s.Calibration.PeristalticPumps) == 0 {
		result = multierror.Append(result, errors.New("retraction time must be 0 without reversible (peristaltic) pumps"))
	}
	if s.GPIOLock.Timeout < 0 {
		result = multierror.Append(result, fmt.Errorf("gpio lock timeout must be >= 0, got %v", s.GPIOLock.Timeout))
	}
	if err := s.Calibration.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	b := s.Bottles
	if !(b.CriticalML >= 0 && b.CriticalML < b.WarningML && b.WarningML < b.CapacityML) {
		result = multierror.Append(result, fmt.Errorf("bottle defaults must satisfy 0 <= critical < warning < capacity, got %v/%v/%v", b.CriticalML, b.WarningML, b.CapacityML))
	}
	if s.Notifications.MQTT.Enable && s.Notifications.MQTT.Server == "" {
		result = multierror.Append(result, errors.New("mqtt notifications enabled without a server"))
	}
	return result.ErrorOrNil()
}

func (c Calibration) Validate() error {
	var result *multierror.Error
	for name, v := range map[string]float64{
		"ml_coefficient":                     c.Default,
		"peristaltic_ml_coefficient":         c.Peristaltic,
		"membrane_ml_coefficient":            c.Membrane,
		"carbonated_membrane_ml_coefficient": c.CarbonatedMembrane,
	} {
		if v <= 0 {
			result = multierror.Append(result, fmt.Errorf("%s must be > 0, got %v", name, v))
		}
	}
	seen := make(map[int]bool)
	for _, p := range c.PeristalticPumps {
		seen[p] = true
	}
	for _, p := range c.MembranePumps {
		if seen[p] {
			result = multierror.Append(result, fmt.Errorf("pump %d is listed as both peristaltic and membrane", p))
		}
	}
	return result.ErrorOrNil()
}

// LockTimeout converts the configured seconds.
func (s Settings) LockTimeout() time.Duration {
	return time.Duration(s.GPIOLock.Timeout * float64(time.Second))
}

func (s Settings) Retraction() time.Duration {
	return time.Duration(s.Pumps.RetractionTime * float64(time.Second))
}
