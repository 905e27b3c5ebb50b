package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// Drive train names accepted by the "drive" key.
const (
	DriveAckermann    = "ackermann"
	DriveDifferential = "differential"
)

// TuningConfig holds every externally tunable parameter of the pilot: the
// clearance hysteresis band, the throttle tiers, the scan geometry of the
// vehicle and the loop timing. The schema matches /api/config so the same JSON
// can be used for startup configuration and for inspection at runtime.
//
// Fields are pointers so a partial file only overrides what it names; the
// Get* accessors supply the defaults for everything else.
type TuningConfig struct {
	// Decision policy
	StopThresholdM         *float64 `json:"stop_threshold_m,omitempty"`
	ReleaseThresholdM      *float64 `json:"release_threshold_m,omitempty"`
	CautionDistanceM       *float64 `json:"caution_distance_m,omitempty"`
	SteerOverrideLaneError *float64 `json:"steer_override_lane_error,omitempty"`
	CruiseThrottle         *float64 `json:"cruise_throttle,omitempty"`
	CautionThrottle        *float64 `json:"caution_throttle,omitempty"`

	// Range geometry
	FrontHalfWidthDeg *float64 `json:"front_half_width_deg,omitempty"`
	MinGapM           *float64 `json:"min_gap_m,omitempty"`
	VehicleWidthM     *float64 `json:"vehicle_width_m,omitempty"`
	ProbeDistanceM    *float64 `json:"probe_distance_m,omitempty"`
	GapAcceptRatio    *float64 `json:"gap_accept_ratio,omitempty"`
	ScannerYawDeg     *float64 `json:"scanner_yaw_deg,omitempty"`

	// Timing
	ControlPeriod        *string `json:"control_period,omitempty"`         // duration string like "50ms"
	ScanStaleAfter       *string `json:"scan_stale_after,omitempty"`       // duration string like "500ms"
	ClassifierStaleAfter *string `json:"classifier_stale_after,omitempty"` // duration string like "250ms"

	// Acquisition
	MinScanPoints           *int `json:"min_scan_points,omitempty"`
	MaxBufferedMeasurements *int `json:"max_buffered_measurements,omitempty"`

	// Actuation
	Drive *string `json:"drive,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the built-in defaults.
func DefaultTuningConfig() *TuningConfig {
	return EmptyTuningConfig().Effective()
}

// Effective returns a copy of c with every field populated, taking the
// built-in default for anything c leaves unset.
func (c *TuningConfig) Effective() *TuningConfig {
	return &TuningConfig{
		StopThresholdM:          ptrFloat64(c.GetStopThresholdM()),
		ReleaseThresholdM:       ptrFloat64(c.GetReleaseThresholdM()),
		CautionDistanceM:        ptrFloat64(c.GetCautionDistanceM()),
		SteerOverrideLaneError:  ptrFloat64(c.GetSteerOverrideLaneError()),
		CruiseThrottle:          ptrFloat64(c.GetCruiseThrottle()),
		CautionThrottle:         ptrFloat64(c.GetCautionThrottle()),
		FrontHalfWidthDeg:       ptrFloat64(c.GetFrontHalfWidthDeg()),
		MinGapM:                 ptrFloat64(c.GetMinGapM()),
		VehicleWidthM:           ptrFloat64(c.GetVehicleWidthM()),
		ProbeDistanceM:          ptrFloat64(c.GetProbeDistanceM()),
		GapAcceptRatio:          ptrFloat64(c.GetGapAcceptRatio()),
		ScannerYawDeg:           ptrFloat64(c.GetScannerYawDeg()),
		ControlPeriod:           ptrString(c.GetControlPeriod().String()),
		ScanStaleAfter:          ptrString(c.GetScanStaleAfter().String()),
		ClassifierStaleAfter:    ptrString(c.GetClassifierStaleAfter().String()),
		MinScanPoints:           ptrInt(c.GetMinScanPoints()),
		MaxBufferedMeasurements: ptrInt(c.GetMaxBufferedMeasurements()),
		Drive:                   ptrString(c.GetDrive()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/lidar/rplidar/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Cross-field checks
// use the effective values, so a file that sets only one side of the
// hysteresis band is checked against the default for the other.
func (c *TuningConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"stop_threshold_m", c.StopThresholdM},
		{"release_threshold_m", c.ReleaseThresholdM},
		{"caution_distance_m", c.CautionDistanceM},
		{"front_half_width_deg", c.FrontHalfWidthDeg},
		{"min_gap_m", c.MinGapM},
		{"vehicle_width_m", c.VehicleWidthM},
		{"probe_distance_m", c.ProbeDistanceM},
	}
	for _, p := range positive {
		if p.v != nil && (math.IsNaN(*p.v) || *p.v <= 0) {
			return fmt.Errorf("%s must be positive, got %f", p.name, *p.v)
		}
	}

	if c.GetReleaseThresholdM() <= c.GetStopThresholdM() {
		return fmt.Errorf("release_threshold_m (%f) must be greater than stop_threshold_m (%f)",
			c.GetReleaseThresholdM(), c.GetStopThresholdM())
	}

	if c.FrontHalfWidthDeg != nil && *c.FrontHalfWidthDeg >= 180 {
		return fmt.Errorf("front_half_width_deg must be below 180, got %f", *c.FrontHalfWidthDeg)
	}

	for _, p := range []struct {
		name string
		v    *float64
	}{
		{"cruise_throttle", c.CruiseThrottle},
		{"caution_throttle", c.CautionThrottle},
		{"steer_override_lane_error", c.SteerOverrideLaneError},
	} {
		if p.v != nil && (*p.v < 0 || *p.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", p.name, *p.v)
		}
	}

	if c.GapAcceptRatio != nil && (*c.GapAcceptRatio <= 0 || *c.GapAcceptRatio > 1) {
		return fmt.Errorf("gap_accept_ratio must be in (0, 1], got %f", *c.GapAcceptRatio)
	}

	for _, d := range []struct {
		name string
		v    *string
	}{
		{"control_period", c.ControlPeriod},
		{"scan_stale_after", c.ScanStaleAfter},
		{"classifier_stale_after", c.ClassifierStaleAfter},
	} {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	if c.MinScanPoints != nil && *c.MinScanPoints < 0 {
		return fmt.Errorf("min_scan_points must be non-negative, got %d", *c.MinScanPoints)
	}
	if c.MaxBufferedMeasurements != nil && *c.MaxBufferedMeasurements <= 0 {
		return fmt.Errorf("max_buffered_measurements must be positive, got %d", *c.MaxBufferedMeasurements)
	}

	if c.Drive != nil {
		switch *c.Drive {
		case DriveAckermann, DriveDifferential:
		default:
			return fmt.Errorf("unsupported drive %q: expected %s or %s", *c.Drive, DriveAckermann, DriveDifferential)
		}
	}

	return nil
}

func getFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetStopThresholdM returns the stop_threshold_m value or the default.
func (c *TuningConfig) GetStopThresholdM() float64 { return getFloat(c.StopThresholdM, 0.60) }

// GetReleaseThresholdM returns the release_threshold_m value or the default.
func (c *TuningConfig) GetReleaseThresholdM() float64 { return getFloat(c.ReleaseThresholdM, 0.80) }

// GetCautionDistanceM returns the caution_distance_m value or the default.
func (c *TuningConfig) GetCautionDistanceM() float64 { return getFloat(c.CautionDistanceM, 1.0) }

// GetSteerOverrideLaneError returns the steer_override_lane_error value or the default.
func (c *TuningConfig) GetSteerOverrideLaneError() float64 {
	return getFloat(c.SteerOverrideLaneError, 0.5)
}

// GetCruiseThrottle returns the cruise_throttle value or the default.
func (c *TuningConfig) GetCruiseThrottle() float64 { return getFloat(c.CruiseThrottle, 0.40) }

// GetCautionThrottle returns the caution_throttle value or the default.
func (c *TuningConfig) GetCautionThrottle() float64 { return getFloat(c.CautionThrottle, 0.25) }

// GetFrontHalfWidthDeg returns the front_half_width_deg value or the default.
func (c *TuningConfig) GetFrontHalfWidthDeg() float64 { return getFloat(c.FrontHalfWidthDeg, 35) }

// GetMinGapM returns the min_gap_m value or the default.
func (c *TuningConfig) GetMinGapM() float64 { return getFloat(c.MinGapM, 0.50) }

// GetVehicleWidthM returns the vehicle_width_m value or the default.
func (c *TuningConfig) GetVehicleWidthM() float64 { return getFloat(c.VehicleWidthM, 0.22) }

// GetProbeDistanceM returns the probe_distance_m value or the default.
func (c *TuningConfig) GetProbeDistanceM() float64 { return getFloat(c.ProbeDistanceM, 0.30) }

// GetGapAcceptRatio returns the gap_accept_ratio value or the default.
func (c *TuningConfig) GetGapAcceptRatio() float64 { return getFloat(c.GapAcceptRatio, 0.7) }

// GetScannerYawDeg returns the scanner_yaw_deg value or the default.
func (c *TuningConfig) GetScannerYawDeg() float64 { return getFloat(c.ScannerYawDeg, 0) }

// GetControlPeriod parses and returns the ControlPeriod as a time.Duration.
func (c *TuningConfig) GetControlPeriod() time.Duration {
	return getDuration(c.ControlPeriod, 50*time.Millisecond)
}

// GetScanStaleAfter parses and returns the ScanStaleAfter as a time.Duration.
func (c *TuningConfig) GetScanStaleAfter() time.Duration {
	return getDuration(c.ScanStaleAfter, 500*time.Millisecond)
}

// GetClassifierStaleAfter parses and returns the ClassifierStaleAfter as a time.Duration.
func (c *TuningConfig) GetClassifierStaleAfter() time.Duration {
	return getDuration(c.ClassifierStaleAfter, 250*time.Millisecond)
}

// GetMinScanPoints returns the min_scan_points value or the default.
func (c *TuningConfig) GetMinScanPoints() int {
	if c.MinScanPoints == nil {
		return 5
	}
	return *c.MinScanPoints
}

// GetMaxBufferedMeasurements returns the max_buffered_measurements value or the default.
func (c *TuningConfig) GetMaxBufferedMeasurements() int {
	if c.MaxBufferedMeasurements == nil {
		return 800
	}
	return *c.MaxBufferedMeasurements
}

// GetDrive returns the drive value or the default.
func (c *TuningConfig) GetDrive() string {
	if c.Drive == nil || *c.Drive == "" {
		return DriveAckermann
	}
	return *c.Drive
}
