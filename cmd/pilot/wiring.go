package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/banshee-data/selfdrive/internal/actuation"
	"github.com/banshee-data/selfdrive/internal/config"
	"github.com/banshee-data/selfdrive/internal/lidar"
	"github.com/banshee-data/selfdrive/internal/lidar/replay"
	"github.com/banshee-data/selfdrive/internal/lidar/rplidar"
	"github.com/banshee-data/selfdrive/internal/pilot"
	"github.com/banshee-data/selfdrive/internal/serialmux"
	"github.com/banshee-data/selfdrive/internal/units"
	"github.com/banshee-data/selfdrive/internal/vision"
)

// Run modes, recorded with every run.
const (
	modeLive       = "live"
	modeDev        = "dev"
	modeReplay     = "replay"
	modeVisionOnly = "vision-only"
)

// demoFrameInterval paces the demo classifier at 20 frames per second.
const demoFrameInterval = 50 * time.Millisecond

func validateFlags() error {
	if !units.IsValid(*unitsFlag) {
		return fmt.Errorf("invalid units %q (valid: %s)", *unitsFlag, units.GetValidUnitsString())
	}
	if *consoleEvery < 0 {
		return fmt.Errorf("console-every must be >= 0, got %d", *consoleEvery)
	}
	if *noLidar && *replayPcap != "" {
		return fmt.Errorf("-no-lidar and -replay-pcap are mutually exclusive")
	}
	if *replaySpeed <= 0 {
		return fmt.Errorf("replay-speed must be positive, got %g", *replaySpeed)
	}
	return nil
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// runMode picks the scan source. -no-lidar wins over everything, a capture
// wins over -dev.
func runMode(dev, noLidar bool, pcapPath string) string {
	switch {
	case noLidar:
		return modeVisionOnly
	case pcapPath != "":
		return modeReplay
	case dev:
		return modeDev
	default:
		return modeLive
	}
}

// newSource returns nil in vision-only mode.
func newSource(mode string, tuning *config.TuningConfig, port string, opts serialmux.PortOptions) (lidar.Source, error) {
	switch mode {
	case modeVisionOnly:
		return nil, nil
	case modeReplay:
		return replay.NewPcapSource(replay.PcapConfig{
			Path:            *replayPcap,
			SpeedMultiplier: *replaySpeed,
			Loop:            *replayLoop,
			MinScanPoints:   tuning.GetMinScanPoints(),
			MaxBuffered:     tuning.GetMaxBufferedMeasurements(),
		}), nil
	case modeDev:
		cfg := replay.DefaultSyntheticConfig()
		cfg.YawDeg = tuning.GetScannerYawDeg()
		return replay.NewSynthetic(cfg), nil
	}

	dev, err := rplidar.Open(port, opts)
	if err != nil {
		return nil, err
	}
	return rplidar.NewAcquirer(dev, rplidar.AcquireConfig{
		MinScanPoints: tuning.GetMinScanPoints(),
		MaxBuffered:   tuning.GetMaxBufferedMeasurements(),
	}), nil
}

// startAcquisition runs source in the background. The returned channel is
// closed once the source has released its device, or at once for a nil
// source.
func startAcquisition(ctx context.Context, source lidar.Source, store *lidar.Store) <-chan struct{} {
	done := make(chan struct{})
	if source == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		if err := source.Run(ctx, store); err != nil {
			log.Printf("acquisition stopped: %v", err)
		}
	}()
	return done
}

// newVisionMux returns a demo classifier in dev mode and a disabled link
// when no port is given.
func newVisionMux(dev bool, port string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
	switch {
	case dev:
		return serialmux.NewMockSerialMux("vision", vision.DemoLine, demoFrameInterval), nil
	case port == "":
		log.Printf("no vision port: the classifier will stay stale and the car will not move")
		return serialmux.NewDisabledSerialMux("vision"), nil
	}
	return serialmux.NewRealSerialMux("vision", port, opts)
}

func newMotorMux(simulated bool, port string, opts serialmux.PortOptions) (serialmux.SerialMuxInterface, error) {
	if simulated {
		return serialmux.NewDisabledSerialMux("motor"), nil
	}
	return serialmux.NewRealSerialMux("motor", port, opts, serialmux.WithInitCommands(actuation.StopLine))
}

// newActuator logs commands instead of writing them when simulated.
func newActuator(drive string, motorMux serialmux.SerialMuxInterface, simulated bool) (actuation.Actuator, error) {
	mixer, err := actuation.MixerFor(drive)
	if err != nil {
		return nil, err
	}
	if simulated {
		return &actuation.LogActuator{Mixer: mixer}, nil
	}
	return actuation.NewSerialActuator(motorMux, mixer), nil
}

func newFeed(tuning *config.TuningConfig) *vision.Feed {
	return vision.NewFeed(tuning.GetClassifierStaleAfter(), nil)
}

func loopConfig(tuning *config.TuningConfig, every int, visionOnly bool) pilot.Config {
	cfg := pilot.DefaultConfig()
	cfg.Period = tuning.GetControlPeriod()
	cfg.ScanStaleAfter = tuning.GetScanStaleAfter()
	cfg.Geometry = tuning.Geometry()
	cfg.Policy = tuning.Policy()
	cfg.Policy.VisionOnly = visionOnly
	cfg.ConsoleEvery = every
	return cfg
}
