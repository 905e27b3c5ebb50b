package rplidar

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/selfdrive/internal/lidar"
	"github.com/banshee-data/selfdrive/internal/monitoring"
	"github.com/banshee-data/selfdrive/internal/timeutil"
)

// AcquireConfig tunes the acquisition task.
type AcquireConfig struct {
	MinScanPoints int
	MaxBuffered   int
	Clock         timeutil.Clock
}

// Acquirer is the lidar.Source backed by a physical scanner.
type Acquirer struct {
	dev *Device
	cfg AcquireConfig
}

// NewAcquirer returns a Source that owns dev. dev is closed when Run returns.
func NewAcquirer(dev *Device, cfg AcquireConfig) *Acquirer {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Acquirer{dev: dev, cfg: cfg}
}

var _ lidar.Source = (*Acquirer)(nil)

// Run spins the scanner up and publishes every assembled rotation into
// store until ctx is done or store.RequestStop is called. On every exit path
// the scan is stopped, the motor is stopped and the port is closed. A device
// failure is returned; the store simply stops receiving scans.
func (a *Acquirer) Run(ctx context.Context, store *lidar.Store) (err error) {
	dev := a.dev
	defer func() {
		if rerr := a.release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := dev.StartMotor(); err != nil {
		return err
	}

	health, err := dev.Health()
	if err != nil {
		return fmt.Errorf("rplidar: health check: %w", err)
	}
	switch health.Status {
	case HealthError:
		if rerr := dev.Reset(); rerr != nil {
			logf("reset after fault: %v", rerr)
		}
		return fmt.Errorf("%w: code %d", ErrDeviceFault, health.ErrorCode)
	case HealthWarning:
		logf("device health warning, code %d", health.ErrorCode)
	}

	if info, err := dev.Info(); err == nil {
		logf("connected: %s", info)
	} else {
		logf("info query failed: %v", err)
	}

	if err := dev.StartScan(); err != nil {
		return err
	}

	asm := NewAssembler(a.cfg.MinScanPoints, a.cfg.MaxBuffered)
	for {
		if store.Stopped() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		node, err := dev.ReadNode()
		if errors.Is(err, ErrNoData) {
			continue
		}
		if err != nil {
			return err
		}
		if scan := asm.Add(node, a.cfg.Clock.Now()); scan != nil {
			store.Publish(scan)
			monitoring.Debugf("[rplidar] scan %d: %d points", scan.Seq, scan.Len())
		}
	}
}

func (a *Acquirer) release() error {
	var errs []error
	if err := a.dev.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := a.dev.StopMotor(); err != nil {
		errs = append(errs, err)
	}
	if err := a.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rplidar: close: %w", err))
	}
	if len(errs) > 0 {
		logf("release: %v", errors.Join(errs...))
	}
	return errors.Join(errs...)
}
