package config

import (
	"github.com/banshee-data/selfdrive/internal/fusion"
	"github.com/banshee-data/selfdrive/internal/lidar"
)

// Policy returns the decision thresholds named by the config.
func (c *TuningConfig) Policy() fusion.Policy {
	return fusion.Policy{
		StopThresholdM:         c.GetStopThresholdM(),
		ReleaseThresholdM:      c.GetReleaseThresholdM(),
		CautionDistanceM:       c.GetCautionDistanceM(),
		SteerOverrideLaneError: c.GetSteerOverrideLaneError(),
		CruiseThrottle:         c.GetCruiseThrottle(),
		CautionThrottle:        c.GetCautionThrottle(),
		ScannerYawDeg:          c.GetScannerYawDeg(),
	}
}

// Geometry returns the range geometry parameters named by the config.
func (c *TuningConfig) Geometry() lidar.GeometryParams {
	return lidar.GeometryParams{
		FrontHalfWidthDeg: c.GetFrontHalfWidthDeg(),
		MinGapM:           c.GetMinGapM(),
		VehicleWidthM:     c.GetVehicleWidthM(),
		ProbeDistanceM:    c.GetProbeDistanceM(),
		AcceptRatio:       c.GetGapAcceptRatio(),
		YawDeg:            c.GetScannerYawDeg(),
	}
}
