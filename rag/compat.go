package rag

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/internal/metrics"
)

// CompatMode 服务端融合 RPC 的调用形态
type CompatMode string

const (
	CompatFull   CompatMode = "full"   // 携带 RRF 权重参数
	CompatLegacy CompatMode = "legacy" // 旧版函数签名，不带权重参数
)

// HybridCompat 记住融合 RPC 的签名兼容模式.
//
// 一旦检测到签名不匹配就切到 legacy，之后的请求直接使用旧签名.
// 该状态跨请求共享，可通过 Reset 手动清除；reprobe>0 时在切换后经过该时长惰性恢复为 full 重新探测.
type HybridCompat struct {
	mu       sync.Mutex
	legacy   bool
	since    time.Time
	reason   string
	reprobe  time.Duration
	now      func() time.Time
	metrics  *metrics.Collector
	logger   *zap.Logger
	switches int
}

// NewHybridCompat 创建兼容状态，初始为 full.
func NewHybridCompat(reprobe time.Duration, collector *metrics.Collector, logger *zap.Logger) *HybridCompat {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &HybridCompat{
		reprobe: reprobe,
		now:     time.Now,
		metrics: collector,
		logger:  logger.With(zap.String("component", "hybrid_compat")),
	}
	collector.SetHybridCompatMode(false)
	return c
}

// Mode 返回当前模式.
func (c *HybridCompat) Mode() CompatMode {
	if c.UseLegacy() {
		return CompatLegacy
	}
	return CompatFull
}

// UseLegacy 判断本次调用是否使用旧签名.
func (c *HybridCompat) UseLegacy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.legacy && c.reprobe > 0 && c.now().Sub(c.since) >= c.reprobe {
		c.logger.Info("re-probing full hybrid signature", zap.Duration("legacy_for", c.now().Sub(c.since)))
		c.clearLocked()
	}
	return c.legacy
}

// MarkLegacy 记录签名不匹配，切换到 legacy.
func (c *HybridCompat) MarkLegacy(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.legacy {
		return
	}
	c.legacy = true
	c.since = c.now()
	c.reason = reason
	c.switches++
	c.metrics.SetHybridCompatMode(true)
	c.logger.Warn("hybrid search signature mismatch, switching to legacy call shape", zap.String("reason", reason))
}

// Reset 清除记住的兼容模式，下一次调用重新使用完整签名.
func (c *HybridCompat) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// Switches 返回切换到 legacy 的累计次数.
func (c *HybridCompat) Switches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switches
}

func (c *HybridCompat) clearLocked() {
	c.legacy = false
	c.since = time.Time{}
	c.reason = ""
	c.metrics.SetHybridCompatMode(false)
}
