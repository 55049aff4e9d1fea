package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tanglenomicon/tangle-jobs/internal/auth"
	"github.com/tanglenomicon/tangle-jobs/internal/core"
	"github.com/tanglenomicon/tangle-jobs/internal/events"
	"github.com/tanglenomicon/tangle-jobs/internal/memstore"
	"github.com/tanglenomicon/tangle-jobs/internal/mongo"
	natsbackend "github.com/tanglenomicon/tangle-jobs/internal/nats"
)

// Broker publishes and streams job events.
type Broker interface {
	core.EventPublisher
	core.EventSubscriber
	Close() error
}

// Stores bundles the configured backend.
type Stores struct {
	Backend    string
	Stencils   core.StencilStore
	Candidates core.CandidateStore
	Results    core.ResultStore
	// Pinger is nil for the memory backend.
	Pinger core.Pinger
	Broker Broker

	closers []func() error
}

// Close releases the broker and the backend connection.
func (s *Stores) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenStores connects the backend named in cfg. The NATS backend also
// carries events between server instances; the others use an in-process
// broker.
func OpenStores(ctx context.Context, cfg StoreConfig) (*Stores, error) {
	switch cfg.Backend {
	case "memory":
		broker := events.NewLocalBroker()
		return &Stores{
			Backend:    cfg.Backend,
			Stencils:   memstore.NewStencils(),
			Candidates: memstore.NewCandidates(),
			Results:    memstore.NewResults(),
			Broker:     broker,
			closers:    []func() error{broker.Close},
		}, nil

	case "nats":
		b, err := natsbackend.New(cfg.NatsURL)
		if err != nil {
			return nil, err
		}
		slog.Info("connected to NATS", "url", cfg.NatsURL)
		broker := natsbackend.NewPubSubBroker(b.Conn())
		return &Stores{
			Backend:    cfg.Backend,
			Stencils:   b.Stencils(),
			Candidates: b.Candidates(),
			Results:    b.Results(),
			Pinger:     b,
			Broker:     broker,
			closers:    []func() error{b.Close, broker.Close},
		}, nil

	case "mongo":
		b, err := mongo.New(ctx, cfg.MongoURI, cfg.MongoDatabase, mongo.Collections{
			Stencils:   cfg.Collections.Stencils,
			Candidates: cfg.Collections.Candidates,
			Results:    cfg.Collections.Results,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("connected to MongoDB", "database", cfg.MongoDatabase)
		broker := events.NewLocalBroker()
		return &Stores{
			Backend:    cfg.Backend,
			Stencils:   b.Stencils(),
			Candidates: b.Candidates(),
			Results:    b.Results(),
			Pinger:     b,
			Broker:     broker,
			closers:    []func() error{b.Close, broker.Close},
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// NewVerifier builds the credential verifier for cfg.
func NewVerifier(cfg AuthConfig) (auth.Verifier, error) {
	switch cfg.Mode {
	case "static":
		if len(cfg.Tokens) == 0 {
			return nil, fmt.Errorf("auth.mode static needs at least one token")
		}
		return auth.StaticTokens(cfg.Tokens), nil
	case "jwt":
		return auth.NewJWT(cfg.JWTSecret, cfg.JWTAlgorithm)
	case "insecure":
		slog.Warn("running without authentication; any bearer token is accepted as the caller identity. Intended for local development only.")
		return auth.Insecure{}, nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
}
