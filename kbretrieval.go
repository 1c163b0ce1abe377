// Package kbretrieval is the top-level entry point that assembles the
// retrieval stack from a single configuration.
//
// Usage:
//
//	import "github.com/BaSui01/kbretrieval"
//
//	cfg, err := config.NewLoader().WithConfigPath("kbretrieval.yaml").Load()
//	rt, err := kbretrieval.Open(ctx, cfg)
//	defer rt.Close(context.Background())
//
//	resp, err := rt.Retrieve(ctx, rag.BrokerRequest{
//		Query: "Que exige ISO 9001 7.5.3?",
//		Scope: rag.ScopeContext{Type: rag.ScopeInstitutional, TenantID: "tenant-a"},
//	})
//
// Open wires the logger, metrics, telemetry, store, embedding cache,
// planner and reranker behind a [rag.RetrievalBroker]. Every dependency
// can be replaced with an Option, which is how tests inject in-memory
// collaborators.
package kbretrieval

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/config"
	"github.com/BaSui01/kbretrieval/internal/cache"
	"github.com/BaSui01/kbretrieval/internal/database"
	"github.com/BaSui01/kbretrieval/internal/logger"
	"github.com/BaSui01/kbretrieval/internal/metrics"
	"github.com/BaSui01/kbretrieval/internal/telemetry"
	"github.com/BaSui01/kbretrieval/llm"
	"github.com/BaSui01/kbretrieval/llm/embedding"
	"github.com/BaSui01/kbretrieval/rag"
)

const tracerName = "github.com/BaSui01/kbretrieval"

// Option customizes [Open].
type Option func(*options)

type options struct {
	logger         *zap.Logger
	registry       *prometheus.Registry
	store          rag.Store
	embedder       embedding.Service
	chat           llm.ChatProvider
	local          rag.LocalReranker
	tracerProvider trace.TracerProvider
	processors     []sdktrace.SpanProcessor
}

// WithLogger uses l instead of building one from cfg.Log.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithStore bypasses cfg.Database and retrieves from s.
func WithStore(s rag.Store) Option {
	return func(o *options) { o.store = s }
}

// WithEmbeddingService bypasses cfg.Embedding and cfg.Redis.
func WithEmbeddingService(s embedding.Service) Option {
	return func(o *options) { o.embedder = s }
}

// WithChatProvider sets the planner's chat provider.
func WithChatProvider(p llm.ChatProvider) Option {
	return func(o *options) { o.chat = p }
}

// WithLocalReranker replaces the default authority reranker used by the
// local and hybrid rerank modes.
func WithLocalReranker(r rag.LocalReranker) Option {
	return func(o *options) { o.local = r }
}

// WithTracerProvider takes spans from tp instead of the telemetry SDK.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithSpanProcessor attaches sp to the telemetry SDK when telemetry is enabled.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, sp) }
}

// Runtime owns the assembled broker and the resources behind it.
type Runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	collector *metrics.Collector
	telemetry *telemetry.Providers
	pool      *database.PoolManager
	redis     *cache.Manager
	closers   []io.Closer
	broker    *rag.RetrievalBroker
}

// Open validates cfg and builds a ready Runtime. A nil cfg uses
// [config.DefaultConfig]. On error every resource opened so far is released.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{cfg: cfg, logger: o.logger, registry: o.registry}
	if rt.logger == nil {
		l, err := logger.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		rt.logger = l
	}
	if rt.registry == nil {
		rt.registry = prometheus.NewRegistry()
	}
	rt.collector = metrics.NewCollector(cfg.Metrics.Namespace, rt.registry, rt.logger)

	if err := rt.open(ctx, o); err != nil {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
			rt.logger.Warn("release after failed open", zap.Error(cerr))
		}
		return nil, err
	}

	rt.logger.Info("retrieval runtime ready",
		zap.String("engine_mode", cfg.Retrieval.EngineMode),
		zap.String("rerank_mode", cfg.Rerank.Mode),
		zap.Bool("planner_enabled", cfg.Planner.Enabled),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)
	return rt, nil
}

func (rt *Runtime) open(ctx context.Context, o options) error {
	cfg := rt.cfg

	tp, err := telemetry.Init(cfg.Telemetry, rt.logger, spanProcessors(o.processors)...)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	rt.telemetry = tp
	var tracer trace.Tracer
	if o.tracerProvider != nil {
		tracer = o.tracerProvider.Tracer(tracerName)
	} else {
		tracer = tp.Tracer(tracerName)
	}
	ragOpts := []rag.Option{rag.WithLogger(rt.logger), rag.WithMetrics(rt.collector), rag.WithTracer(tracer)}

	store := o.store
	if store == nil {
		if store, err = rt.openStore(ctx); err != nil {
			return err
		}
	}

	embedder := o.embedder
	if embedder == nil {
		if cfg.Redis.Enabled {
			if rt.redis, err = cache.NewManager(redisConfig(cfg.Redis), rt.logger); err != nil {
				return fmt.Errorf("open redis: %w", err)
			}
		}
		provider, closer, err := rag.NewEmbeddingProvider(cfg.Embedding)
		if err != nil {
			return fmt.Errorf("init embedding provider: %w", err)
		}
		if closer != nil {
			rt.closers = append(rt.closers, closer)
		}
		embedder = rag.NewEmbeddingService(cfg.Embedding, provider, rt.redis, rt.collector, rt.logger)
	}

	var planner *rag.QueryPlanner
	if cfg.Planner.Enabled {
		chat := o.chat
		if chat == nil {
			chat = rag.NewChatProvider(cfg.LLM, cfg.Planner, rt.logger)
		}
		planner = rag.NewQueryPlanner(chat, cfg.Planner, ragOpts...)
	}

	external, err := rag.NewRerankProvider(cfg.Rerank, rt.logger)
	if err != nil {
		return fmt.Errorf("init rerank provider: %w", err)
	}
	local := o.local
	if local == nil {
		local = rag.AuthorityReranker{}
	}
	reranker := rag.NewRerankingPipeline(cfg.Rerank, external, local, ragOpts...)

	engine := rag.NewAtomicRetrievalEngine(store, embedder, cfg.Retrieval, ragOpts...)
	rt.broker = rag.NewRetrievalBroker(engine, planner, reranker, cfg.Retrieval, ragOpts...)
	return nil
}

func (rt *Runtime) openStore(ctx context.Context) (rag.Store, error) {
	db := rt.cfg.Database
	switch db.Driver {
	case "memory":
		rt.logger.Warn("using in-memory store, data is not persisted")
		return rag.NewInMemoryStore(), nil
	case "postgres":
		gdb, err := database.OpenPostgres(db.DSN())
		if err != nil {
			return nil, err
		}
		poolCfg := database.DefaultPoolConfig()
		if db.MaxOpenConns > 0 {
			poolCfg.MaxOpenConns = db.MaxOpenConns
		}
		if db.MaxIdleConns > 0 {
			poolCfg.MaxIdleConns = db.MaxIdleConns
		}
		if db.ConnMaxLifetime > 0 {
			poolCfg.ConnMaxLifetime = db.ConnMaxLifetime
		}
		poolCfg.HealthCheckInterval = db.HealthCheckInterval
		rt.pool, err = database.NewPoolManager(gdb, poolCfg, rt.collector, rt.logger)
		if err != nil {
			return nil, err
		}
		if err := rt.pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return rag.NewPostgresStore(rt.pool, rt.logger), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

func redisConfig(c config.RedisConfig) cache.Config {
	out := cache.DefaultConfig()
	out.Addr = c.Addr
	out.Password = c.Password
	out.DB = c.DB
	out.TLS = c.TLS
	if c.PoolSize > 0 {
		out.PoolSize = c.PoolSize
	}
	if c.MinIdleConns > 0 {
		out.MinIdleConns = c.MinIdleConns
	}
	if c.KeyPrefix != "" {
		out.KeyPrefix = c.KeyPrefix
	}
	return out
}

func spanProcessors(sps []sdktrace.SpanProcessor) []telemetry.Option {
	out := make([]telemetry.Option, 0, len(sps))
	for _, sp := range sps {
		out = append(out, telemetry.WithSpanProcessor(sp))
	}
	return out
}

// Broker returns the assembled broker.
func (rt *Runtime) Broker() *rag.RetrievalBroker { return rt.broker }

// Metrics returns the collector shared by every component.
func (rt *Runtime) Metrics() *metrics.Collector { return rt.collector }

// Registry returns the prometheus registry the collector writes to.
func (rt *Runtime) Registry() *prometheus.Registry { return rt.registry }

// Logger returns the runtime logger.
func (rt *Runtime) Logger() *zap.Logger { return rt.logger }

// Retrieve is shorthand for Broker().Retrieve.
func (rt *Runtime) Retrieve(ctx context.Context, req rag.BrokerRequest) (*rag.BrokerResponse, error) {
	return rt.broker.Retrieve(ctx, req)
}

// Ping checks the database and redis connections that Open created.
func (rt *Runtime) Ping(ctx context.Context) error {
	var errs []error
	if rt.pool != nil {
		if err := rt.pool.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases resources in reverse order of acquisition. Safe to call
// on a partially opened Runtime.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		rt.redis = nil
	}
	if rt.pool != nil {
		if err := rt.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		rt.pool = nil
	}
	if rt.telemetry != nil {
		if err := rt.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		rt.telemetry = nil
	}
	if rt.logger != nil {
		_ = rt.logger.Sync()
	}
	return errors.Join(errs...)
}
