// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record 方法对 nil 接收者安全。
type Collector struct {
	// 检索指标
	retrievalRequests *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	degradedTotal     *prometheus.CounterVec
	plannerOutcomes   *prometheus.CounterVec
	hybridCompatMode  prometheus.Gauge

	// 范围惩罚指标
	scopePenaltyRows *prometheus.CounterVec

	// 上游调用指标（embedding / chat / rerank）
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	// 租户维度的进程内计数
	tenants map[string]*tenantPenalty

	logger *zap.Logger
	mu     sync.RWMutex
}

type tenantPenalty struct {
	rows      atomic.Int64
	penalized atomic.Int64
}

// PenaltySnapshot 单个租户的范围惩罚累计值
type PenaltySnapshot struct {
	Tenant    string
	Rows      int64
	Penalized int64
}

// Ratio 返回被惩罚行占比
func (s PenaltySnapshot) Ratio() float64 {
	if s.Rows == 0 {
		return 0
	}
	return float64(s.Penalized) / float64(s.Rows)
}

// NewCollector 创建指标收集器，reg 为 nil 时注册到默认 Registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		tenants: make(map[string]*tenantPenalty),
		logger:  logger.With(zap.String("component", "metrics")),
	}

	// 检索指标
	c.retrievalRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_requests_total",
			Help:      "Total number of broker retrieval requests",
		},
		[]string{"engine_mode", "status"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_stage_duration_seconds",
			Help:      "Retrieval stage duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage"},
	)

	c.degradedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_degraded_total",
			Help:      "Total number of degraded retrieval stages",
		},
		[]string{"stage", "reason"},
	)

	c.plannerOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "planner_outcomes_total",
			Help:      "Query planner outcomes",
		},
		[]string{"outcome"},
	)

	c.hybridCompatMode = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hybrid_rpc_compat_mode",
			Help:      "1 when the fused hybrid RPC runs in legacy signature mode",
		},
	)

	c.scopePenaltyRows = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_penalty_rows_total",
			Help:      "Rows evaluated by the scope penalty, by tenant",
		},
		[]string{"tenant", "penalized"},
	)

	// 上游调用
	c.upstreamRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream model requests",
		},
		[]string{"kind", "provider", "status"},
	)

	c.upstreamDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream model request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind", "provider"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"tier"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🔎 检索指标记录
// =============================================================================

// RecordRetrieval 记录一次 broker 请求
func (c *Collector) RecordRetrieval(engineMode, status string) {
	if c == nil {
		return
	}
	c.retrievalRequests.WithLabelValues(engineMode, status).Inc()
}

// RecordStage 记录阶段耗时
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordDegraded 记录一次降级
func (c *Collector) RecordDegraded(stage, reason string) {
	if c == nil {
		return
	}
	c.degradedTotal.WithLabelValues(stage, reason).Inc()
}

// RecordPlannerOutcome 记录规划结果（llm / skipped / deterministic_* / multihop_below_tolerance）
func (c *Collector) RecordPlannerOutcome(outcome string) {
	if c == nil {
		return
	}
	c.plannerOutcomes.WithLabelValues(outcome).Inc()
}

// SetHybridCompatMode 记录融合 RPC 是否处于兼容模式
func (c *Collector) SetHybridCompatMode(legacy bool) {
	if c == nil {
		return
	}
	if legacy {
		c.hybridCompatMode.Set(1)
		return
	}
	c.hybridCompatMode.Set(0)
}

// =============================================================================
// 🏷️ 范围惩罚
// =============================================================================

// RecordScopePenalty 累加租户的惩罚计数
func (c *Collector) RecordScopePenalty(tenant string, rows, penalized int) {
	if c == nil || rows <= 0 {
		return
	}
	if tenant == "" {
		tenant = "global"
	}

	c.scopePenaltyRows.WithLabelValues(tenant, "true").Add(float64(penalized))
	c.scopePenaltyRows.WithLabelValues(tenant, "false").Add(float64(rows - penalized))

	tp := c.tenant(tenant)
	tp.rows.Add(int64(rows))
	tp.penalized.Add(int64(penalized))
}

func (c *Collector) tenant(name string) *tenantPenalty {
	c.mu.RLock()
	tp, ok := c.tenants[name]
	c.mu.RUnlock()
	if ok {
		return tp
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tp, ok = c.tenants[name]; ok {
		return tp
	}
	tp = &tenantPenalty{}
	c.tenants[name] = tp
	return tp
}

// ScopePenaltySnapshot 返回单个租户的累计值
func (c *Collector) ScopePenaltySnapshot(tenant string) PenaltySnapshot {
	if c == nil {
		return PenaltySnapshot{Tenant: tenant}
	}
	if tenant == "" {
		tenant = "global"
	}
	c.mu.RLock()
	tp, ok := c.tenants[tenant]
	c.mu.RUnlock()
	if !ok {
		return PenaltySnapshot{Tenant: tenant}
	}
	return PenaltySnapshot{Tenant: tenant, Rows: tp.rows.Load(), Penalized: tp.penalized.Load()}
}

// ScopePenaltySnapshots 按租户名排序返回全部累计值
func (c *Collector) ScopePenaltySnapshots() []PenaltySnapshot {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	out := make([]PenaltySnapshot, 0, len(c.tenants))
	for name, tp := range c.tenants {
		out = append(out, PenaltySnapshot{Tenant: name, Rows: tp.rows.Load(), Penalized: tp.penalized.Load()})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

// =============================================================================
// 🤖 上游调用
// =============================================================================

// RecordUpstream 记录 embedding / chat / rerank 调用
func (c *Collector) RecordUpstream(kind, provider, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.upstreamRequests.WithLabelValues(kind, provider, status).Inc()
	c.upstreamDuration.WithLabelValues(kind, provider).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(tier string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(tier string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// Status 将错误转换为 status label
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
