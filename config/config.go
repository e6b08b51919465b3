// Package config loads and saves the recorder's YAML configuration:
// camera intrinsics, capture mode, selector tolerances, and the optional
// MQTT/checkpoint/debug sinks.
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dscvr/panostitch/pano"
)

// CameraConfig describes the capturing camera's working-resolution
// intrinsics, used to both generate the recorder graph and warp frames.
type CameraConfig struct {
	Width  int     `yaml:"width" json:"width"`
	Height int     `yaml:"height" json:"height"`
	Fx     float64 `yaml:"fx" json:"fx"`
	Fy     float64 `yaml:"fy" json:"fy"`
	Cx     float64 `yaml:"cx" json:"cx"`
	Cy     float64 `yaml:"cy" json:"cy"`
}

// Intrinsics builds the pano.Mat3 camera matrix from the configured
// focal length and principal point.
func (c CameraConfig) Intrinsics() pano.Mat3 {
	return pano.Mat3{
		c.Fx, 0, c.Cx,
		0, c.Fy, c.Cy,
		0, 0, 1,
	}
}

// ToleranceConfig is the selector's per-axis admission tolerance, in
// degrees for readability in a config file; converted to radians via
// Radians() before reaching the selector.
type ToleranceConfig struct {
	XDeg float64 `yaml:"xDeg" json:"xDeg"`
	YDeg float64 `yaml:"yDeg" json:"yDeg"`
	ZDeg float64 `yaml:"zDeg" json:"zDeg"`
}

// Radians converts the configured degree tolerances to pano.Tolerance.
func (t ToleranceConfig) Radians() pano.Tolerance {
	return pano.Tolerance{
		X: t.XDeg * math.Pi / 180,
		Y: t.YDeg * math.Pi / 180,
		Z: t.ZDeg * math.Pi / 180,
	}
}

// MQTTConfig holds the telemetry publisher's broker connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// CanvasConfig sizes the shared equirectangular output canvas.
type CanvasConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Config is the unified recorder configuration.
type Config struct {
	Camera    CameraConfig    `yaml:"camera" json:"camera"`
	Canvas    CanvasConfig    `yaml:"canvas" json:"canvas"`
	Mode      string          `yaml:"mode" json:"mode"` // full | center | truncated | noBottom
	Tolerance ToleranceConfig `yaml:"tolerance" json:"tolerance"`

	StrictOrder   bool    `yaml:"strictOrder" json:"strictOrder"`
	CloseAllRings bool    `yaml:"closeAllRings" json:"closeAllRings"`
	UseFlow       bool    `yaml:"useFlow" json:"useFlow"`
	RefineFocal   bool    `yaml:"refineFocal" json:"refineFocal"`
	OutputScale   float64 `yaml:"outputScale,omitempty" json:"outputScale,omitempty"`

	MaxAngularVelocityDegPerSec float64 `yaml:"maxAngularVelocityDegPerSec,omitempty" json:"maxAngularVelocityDegPerSec,omitempty"`
	CorrespondenceQueueDepth    int     `yaml:"correspondenceQueueDepth,omitempty" json:"correspondenceQueueDepth,omitempty"`

	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`

	CheckpointDir string `yaml:"checkpointDir,omitempty" json:"checkpointDir,omitempty"`
	DebugSinkDir  string `yaml:"debugSinkDir,omitempty" json:"debugSinkDir,omitempty"`
}

// graphModes maps a config's mode string to the recorder graph's Mode enum.
var graphModes = map[string]pano.Mode{
	"full":      pano.FullSphere,
	"center":    pano.CenterOnly,
	"truncated": pano.Truncated,
	"noBottom":  pano.NoBottom,
}

// GraphMode resolves the configured mode string, defaulting to FullSphere
// for an empty or unrecognized value.
func (c *Config) GraphMode() pano.Mode {
	if m, ok := graphModes[c.Mode]; ok {
		return m
	}
	return pano.FullSphere
}

// MaxAngularVelocityRadPerSec converts the configured jump-filter
// threshold to radians/sec; 0 leaves the jump filter disabled.
func (c *Config) MaxAngularVelocityRadPerSec() float64 {
	return c.MaxAngularVelocityDegPerSec * math.Pi / 180
}

// LoadConfig loads the recorder configuration from a YAML file, applying
// the same required-field validation as the teacher's config loader.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		return nil, fmt.Errorf("camera.width and camera.height are required")
	}
	if cfg.Camera.Fx <= 0 || cfg.Camera.Fy <= 0 {
		return nil, fmt.Errorf("camera.fx and camera.fy are required")
	}
	if cfg.Canvas.Width <= 0 || cfg.Canvas.Height <= 0 {
		return nil, fmt.Errorf("canvas.width and canvas.height are required")
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
