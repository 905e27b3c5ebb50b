// Package replay provides scan sources that need no scanner attached: a
// packet-capture replayer and a synthetic corridor for bench testing.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/selfdrive/internal/lidar"
	"github.com/banshee-data/selfdrive/internal/lidar/rplidar"
	"github.com/banshee-data/selfdrive/internal/monitoring"
	"github.com/banshee-data/selfdrive/internal/timeutil"
)

var logf = monitoring.Prefixed("[replay] ")

// PcapConfig configures a capture replay. The capture holds UDP datagrams
// whose payloads are raw RPLidar SCAN node bytes, as produced by a
// serial-to-UDP bridge on the vehicle.
type PcapConfig struct {
	Path            string
	UDPPort         int     // 0 accepts any destination port
	SpeedMultiplier float64 // <= 0 means real time
	NoPacing        bool    // replay as fast as possible
	Loop            bool
	MinScanPoints   int
	MaxBuffered     int
	Clock           timeutil.Clock
}

// PcapSource replays a capture into a Store.
type PcapSource struct {
	cfg PcapConfig

	packets int
	scans   int
}

// NewPcapSource returns a Source for cfg.
func NewPcapSource(cfg PcapConfig) *PcapSource {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &PcapSource{cfg: cfg}
}

var _ lidar.Source = (*PcapSource)(nil)

// Run replays the capture, once or in a loop. Scans are stamped with the
// replay clock, not the capture time, so staleness checks behave as live.
func (p *PcapSource) Run(ctx context.Context, store *lidar.Store) error {
	for {
		err := p.replayOnce(ctx, store)
		if err != nil || !p.cfg.Loop || store.Stopped() || ctx.Err() != nil {
			logf("replay of %s finished: %d packets, %d scans", p.cfg.Path, p.packets, p.scans)
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
	}
}

var errStopped = errors.New("stopped")

func (p *PcapSource) replayOnce(ctx context.Context, store *lidar.Store) error {
	f, err := os.Open(p.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", p.cfg.Path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header of %s: %w", p.cfg.Path, err)
	}

	stream := rplidar.NewNodeStream()
	asm := rplidar.NewAssembler(p.cfg.MinScanPoints, p.cfg.MaxBuffered)

	var last time.Time
	for {
		if store.Stopped() || ctx.Err() != nil {
			return errStopped
		}

		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}

		if !p.cfg.NoPacing && !last.IsZero() {
			delay := time.Duration(float64(ci.Timestamp.Sub(last)) / p.cfg.SpeedMultiplier)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return errStopped
				case <-p.cfg.Clock.After(delay):
				}
			}
		}
		last = ci.Timestamp

		payload, ok := p.udpPayload(data, r.LinkType())
		if !ok {
			continue
		}
		p.packets++

		stream.Feed(payload)
		for {
			node, ok, err := stream.Next()
			if err != nil {
				// a corrupt datagram; drop what is buffered and carry on
				monitoring.Debugf("[replay] %v", err)
				stream.Reset()
				break
			}
			if !ok {
				break
			}
			if scan := asm.Add(node, p.cfg.Clock.Now()); scan != nil {
				store.Publish(scan)
				p.scans++
			}
		}
	}
}

func (p *PcapSource) udpPayload(data []byte, link layers.LinkType) ([]byte, bool) {
	packet := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil, false
	}
	if p.cfg.UDPPort != 0 && int(udp.DstPort) != p.cfg.UDPPort {
		return nil, false
	}
	if len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}

// Stats returns the packets consumed and scans published so far. It must
// not be called while Run is in progress.
func (p *PcapSource) Stats() (packets, scans int) {
	return p.packets, p.scans
}
