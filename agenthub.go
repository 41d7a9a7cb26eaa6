// Package agenthub provides a top-level convenience entry point for embedding
// the coordination core in-process with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/agenthub"
//
//	core, err := agenthub.New()
//	core, err := agenthub.New(agenthub.WithBackend(sqliteBackend))
//	core, err := agenthub.New(agenthub.WithProviders(myProvider), agenthub.WithLogger(logger))
//
// The zero-option form runs entirely in memory: suitable for tests, local
// development, and single-process deployments. Production deployments usually
// go through cmd/agenthub instead, which adds config loading and the HTTP
// surface on top of the same components.
package agenthub

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthub/airouter"
	"github.com/BaSui01/agenthub/api"
	"github.com/BaSui01/agenthub/consensus"
	"github.com/BaSui01/agenthub/graph"
	"github.com/BaSui01/agenthub/hub"
	"github.com/BaSui01/agenthub/internal/metrics"
	"github.com/BaSui01/agenthub/scheduler"
	"github.com/BaSui01/agenthub/storage"
)

// Core bundles the fully wired coordination components. All fields are live
// after New returns; Close releases them in dependency order.
type Core struct {
	Storage   *storage.Adapter
	Graph     *graph.KnowledgeGraph
	Hub       *hub.Hub
	Consensus *consensus.Coordinator
	Scheduler *scheduler.Scheduler
	Router    *airouter.Router
}

type coreOptions struct {
	primary     storage.Backend
	auxiliaries []storage.Backend
	providers   []airouter.Provider
	runner      scheduler.ActionRunner
	collector   *metrics.Collector
	logger      *zap.Logger
}

// Option configures the core created by [New].
type Option func(*coreOptions)

// WithBackend sets the durable primary storage backend.
// Defaults to an in-memory backend.
func WithBackend(b storage.Backend) Option {
	return func(o *coreOptions) { o.primary = b }
}

// WithAuxiliaries sets best-effort auxiliary backends (cache, semantic search).
func WithAuxiliaries(backends ...storage.Backend) Option {
	return func(o *coreOptions) { o.auxiliaries = backends }
}

// WithProviders sets the AI providers in failover priority order.
// Defaults to a single echo provider.
func WithProviders(providers ...airouter.Provider) Option {
	return func(o *coreOptions) { o.providers = providers }
}

// WithRunner sets the executor for autonomous agent actions.
func WithRunner(r scheduler.ActionRunner) Option {
	return func(o *coreOptions) { o.runner = r }
}

// WithMetrics sets the Prometheus metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *coreOptions) { o.collector = c }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *coreOptions) { o.logger = logger }
}

// New creates a fully wired coordination core with sensible defaults.
func New(opts ...Option) (*Core, error) {
	o := &coreOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.primary == nil {
		o.primary = storage.NewMemoryBackend(o.logger)
	}
	if len(o.providers) == 0 {
		o.providers = []airouter.Provider{&airouter.EchoProvider{}}
	}

	adapter, err := storage.NewAdapter(o.primary, o.auxiliaries, storage.DefaultAdapterConfig(), o.logger)
	if err != nil {
		return nil, err
	}

	g := graph.New(adapter, graph.DefaultConfig(), o.logger)
	h := hub.New(adapter, hub.DefaultConfig(), o.collector, o.logger)
	c := consensus.New(adapter, h, g, consensus.DefaultConfig(), o.collector, o.logger)
	s := scheduler.New(adapter, h, g, o.runner, scheduler.DefaultConfig(), o.collector, o.logger)

	router, err := airouter.New(o.providers, airouter.DefaultConfig(), o.collector, o.logger)
	if err != nil {
		c.Close()
		h.Close()
		_ = adapter.Close()
		return nil, err
	}

	return &Core{
		Storage:   adapter,
		Graph:     g,
		Hub:       h,
		Consensus: c,
		Scheduler: s,
		Router:    router,
	}, nil
}

// Handler returns the HTTP surface over the core: tool dispatch, websocket
// push, health and metrics endpoints.
func (c *Core) Handler(logger *zap.Logger) http.Handler {
	return api.NewHandler(c.Graph, c.Hub, c.Consensus, c.Scheduler, c.Router, c.Storage, nil, logger).Routes()
}

// Close shuts the core down in dependency order.
func (c *Core) Close() error {
	c.Consensus.Close()
	c.Hub.Close()
	return c.Storage.Close()
}
