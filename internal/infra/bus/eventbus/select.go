package eventbus

import (
	"context"
	"log"
	"os"
	"time"
)

// DefaultProbeTimeout bounds how long Open waits for a candidate to build and answer Ping.
const DefaultProbeTimeout = 5 * time.Second

// Candidate is a backend Open may select. Build returns a ready bus or an error.
type Candidate struct {
	Kind  Kind
	Build func(ctx context.Context) (Bus, error)
}

// SelectOption configures backend selection.
type SelectOption func(*selector)

type selector struct {
	logger       *log.Logger
	probeTimeout time.Duration
	fallback     func() Bus
}

// WithSelectLogger overrides the logger used while probing candidates.
func WithSelectLogger(logger *log.Logger) SelectOption {
	return func(s *selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) SelectOption {
	return func(s *selector) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// WithFallback sets the bus used when every candidate fails.
func WithFallback(build func() Bus) SelectOption {
	return func(s *selector) {
		if build != nil {
			s.fallback = build
		}
	}
}

// Open tries candidates in order and returns the first that builds and answers Ping.
// Failed candidates are closed. When none succeeds a MemoryBus is returned, so Open
// always yields a usable bus.
func Open(ctx context.Context, candidates []Candidate, opts ...SelectOption) Bus {
	s := &selector{
		logger:       log.New(os.Stdout, "eventbus/select ", log.LstdFlags|log.Lmicroseconds),
		probeTimeout: DefaultProbeTimeout,
		fallback:     func() Bus { return NewMemoryBus(Config{}) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	for _, c := range candidates {
		if c.Build == nil {
			continue
		}
		bus, err := s.probe(ctx, c)
		if err != nil {
			s.logger.Printf("backend %s unavailable: %v", c.Kind, err)
			continue
		}
		s.logger.Printf("selected backend %s", bus.Kind())
		return bus
	}

	bus := s.fallback()
	s.logger.Printf("no durable backend available; using %s", bus.Kind())
	return bus
}

func (s *selector) probe(ctx context.Context, c Candidate) (Bus, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	bus, err := c.Build(probeCtx)
	if err != nil {
		return nil, err
	}
	if err := bus.Ping(probeCtx); err != nil {
		bus.Close()
		return nil, err
	}
	return bus, nil
}
