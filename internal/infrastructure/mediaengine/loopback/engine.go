// Package loopback is an in-process media engine. It negotiates transports,
// producers and consumers like a real SFU worker and forwards RTP between
// them in memory, which is enough for local development and tests.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"

	"go.uber.org/zap"
)

var (
	ErrEngineClosed    = errors.New("media engine closed")
	ErrRouterClosed    = errors.New("router closed")
	ErrTransportClosed = errors.New("transport closed")
	ErrPortsExhausted  = errors.New("no free rtc ports")
)

type ListenIP struct {
	IP          string
	AnnouncedIP string
}

type Config struct {
	ListenIPs []ListenIP
	MinPort   uint16
	MaxPort   uint16
}

func (c Config) validate() error {
	if len(c.ListenIPs) == 0 {
		return fmt.Errorf("at least one listen ip is required")
	}
	for _, l := range c.ListenIPs {
		if net.ParseIP(l.IP) == nil {
			return fmt.Errorf("invalid listen ip %q", l.IP)
		}
		if l.AnnouncedIP != "" && net.ParseIP(l.AnnouncedIP) == nil {
			return fmt.Errorf("invalid announced ip %q", l.AnnouncedIP)
		}
	}
	if c.MinPort == 0 || c.MaxPort < c.MinPort {
		return fmt.Errorf("invalid rtc port range %d-%d", c.MinPort, c.MaxPort)
	}
	return nil
}

// Engine owns the rtc port range shared by all routers.
type Engine struct {
	cfg    Config
	ports  *portAllocator
	logger *zap.SugaredLogger

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
}

var _ ports.MediaEngine = (*Engine)(nil)

func New(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		ports:   newPortAllocator(cfg.MinPort, cfg.MaxPort),
		logger:  logger,
		routers: make(map[string]*Router),
	}, nil
}

func (e *Engine) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrEngineClosed
	}

	router, err := newRouter(e, codecs)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	e.routers[router.id] = router

	e.logger.Infow("router created", "router_id", router.id, "codecs", len(router.caps.Codecs))
	return router, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.routers = make(map[string]*Router)
	e.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	e.logger.Info("media engine closed")
	return nil
}

func (e *Engine) removeRouter(id string) {
	e.mu.Lock()
	delete(e.routers, id)
	e.mu.Unlock()
}

// PortsInUse reports how many rtc ports are allocated.
func (e *Engine) PortsInUse() int {
	return e.ports.inUse()
}

type portAllocator struct {
	mu    sync.Mutex
	min   uint16
	max   uint16
	used  map[uint16]struct{}
	start func(n int) int
}

func newPortAllocator(min, max uint16) *portAllocator {
	return &portAllocator{
		min:   min,
		max:   max,
		used:  make(map[uint16]struct{}),
		start: rand.Intn,
	}
}

// allocate probes linearly from a random offset so concurrent routers do
// not pile onto the low end of the range.
func (p *portAllocator) allocate() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := int(p.max-p.min) + 1
	offset := p.start(size)
	for i := 0; i < size; i++ {
		port := p.min + uint16((offset+i)%size)
		if _, taken := p.used[port]; !taken {
			p.used[port] = struct{}{}
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in range %d-%d", ErrPortsExhausted, p.min, p.max)
}

func (p *portAllocator) release(port uint16) {
	p.mu.Lock()
	delete(p.used, port)
	p.mu.Unlock()
}

func (p *portAllocator) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
