package telemetry

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/selfdrive/internal/monitoring"
	"github.com/banshee-data/selfdrive/internal/pilot"
)

var logf = monitoring.Prefixed("[telemetry] ")

var errAlreadyRunning = errors.New("telemetry publisher already running")

// Config sizes the cycle stream. A client more than ClientBuffer cycles
// behind loses cycles rather than stalling the control loop.
type Config struct {
	ListenAddr   string
	MaxClients   int
	ClientBuffer int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   5,
		ClientBuffer: 32,
	}
}

// Publisher fans cycles out to every connected stream. It is a pilot.Sink.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	clients   map[string]chan *structpb.Struct
	clientsMu sync.RWMutex

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewPublisher fills zero limits from DefaultConfig.
func NewPublisher(cfg Config) *Publisher {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:  cfg,
		clients: make(map[string]chan *structpb.Struct),
	}
}

var _ pilot.Sink = (*Publisher)(nil)

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("telemetry listen %s: %w", p.config.ListenAddr, err)
	}
	return p.Serve(lis)
}

// Serve is Start on a caller-provided listener.
func (p *Publisher) Serve(lis net.Listener) error {
	if p.running.Load() {
		return errAlreadyRunning
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterService(p.server, p)
	p.running.Store(true)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logf("serving cycles on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			logf("serve: %v", err)
		}
	}()
	return nil
}

// Stop ends every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)

	p.clientsMu.Lock()
	for id, ch := range p.clients {
		close(ch)
		delete(p.clients, id)
		p.clientCount.Add(-1)
	}
	p.clientsMu.Unlock()

	p.server.GracefulStop()
	p.wg.Wait()
	logf("stopped after %d cycles", p.published.Load())
}

// Publish never blocks. Cycles are only encoded while someone is listening.
func (p *Publisher) Publish(c pilot.Cycle) {
	if p.clientCount.Load() == 0 {
		return
	}
	msg, err := CycleToStruct(c)
	if err != nil {
		logf("cycle %d not encodable: %v", c.Seq, err)
		return
	}
	p.published.Add(1)

	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for _, ch := range p.clients {
		select {
		case ch <- msg:
		default:
			p.dropped.Add(1)
		}
	}
}

func (p *Publisher) addClient() (string, chan *structpb.Struct, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if !p.running.Load() {
		return "", nil, status.Error(codes.Unavailable, "telemetry stopping")
	}
	if len(p.clients) >= p.config.MaxClients {
		return "", nil, status.Errorf(codes.ResourceExhausted, "at most %d telemetry clients", p.config.MaxClients)
	}
	id := uuid.NewString()
	ch := make(chan *structpb.Struct, p.config.ClientBuffer)
	p.clients[id] = ch
	p.clientCount.Add(1)
	return id, ch, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if ch, ok := p.clients[id]; ok {
		close(ch)
		delete(p.clients, id)
		p.clientCount.Add(-1)
	}
}

func (p *Publisher) streamCycles(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id, ch, err := p.addClient()
	if err != nil {
		return err
	}
	monitoring.Debugf("[telemetry] client %s joined, %d connected", id, p.clientCount.Load())
	defer func() {
		p.removeClient(id)
		monitoring.Debugf("[telemetry] client %s left, %d connected", id, p.clientCount.Load())
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// PublisherStats is served under the telemetry key of the status endpoint.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Clients   int32  `json:"clients"`
	Running   bool   `json:"running"`
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   p.clientCount.Load(),
		Running:   p.running.Load(),
	}
}
