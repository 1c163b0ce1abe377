package rag

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/internal/metrics"
)

const instrumentationName = "github.com/BaSui01/kbretrieval/rag"

// Option 为规划器、引擎、重排管道与 broker 注入公共依赖.
type Option func(*deps)

type deps struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// WithLogger 设置日志.
func WithLogger(l *zap.Logger) Option {
	return func(d *deps) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics 设置指标采集器，nil 表示不采集.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *deps) { d.metrics = c }
}

// WithTracer 设置 otel tracer，默认使用全局 TracerProvider.
func WithTracer(t trace.Tracer) Option {
	return func(d *deps) {
		if t != nil {
			d.tracer = t
		}
	}
}

func newDeps(component string, opts []Option) deps {
	d := deps{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&d)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(instrumentationName)
	}
	d.logger = d.logger.With(zap.String("component", component))
	return d
}

func recordSpanError(sp trace.Span, err error) {
	if err == nil {
		return
	}
	sp.RecordError(err)
	sp.SetStatus(codes.Error, err.Error())
}
