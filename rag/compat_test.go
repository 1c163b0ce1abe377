package rag

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/internal/metrics"
)

func TestHybridCompat_Sticky(t *testing.T) {
	c := NewHybridCompat(0, nil, nil)
	assert.Equal(t, CompatFull, c.Mode())

	c.MarkLegacy("function does not exist")
	c.MarkLegacy("again")
	assert.Equal(t, CompatLegacy, c.Mode())
	assert.True(t, c.UseLegacy())
	assert.Equal(t, 1, c.Switches())

	c.Reset()
	assert.Equal(t, CompatFull, c.Mode())

	c.MarkLegacy("later")
	assert.Equal(t, 2, c.Switches())
}

func TestHybridCompat_LazyReprobe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewHybridCompat(time.Minute, nil, zap.NewNop())
	c.now = func() time.Time { return now }

	c.MarkLegacy("mismatch")
	now = now.Add(30 * time.Second)
	assert.True(t, c.UseLegacy())

	now = now.Add(31 * time.Second)
	assert.False(t, c.UseLegacy(), "re-probe after the interval")
	assert.Equal(t, CompatFull, c.Mode())
}

func TestHybridCompat_Gauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("kbr", reg, zap.NewNop())
	c := NewHybridCompat(0, collector, nil)

	gauge := func(v string) string {
		return `
# HELP kbr_hybrid_rpc_compat_mode 1 when the fused hybrid RPC runs in legacy signature mode
# TYPE kbr_hybrid_rpc_compat_mode gauge
kbr_hybrid_rpc_compat_mode ` + v + "\n"
	}

	c.MarkLegacy("mismatch")
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(gauge("1")), "kbr_hybrid_rpc_compat_mode"))

	c.Reset()
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(gauge("0")), "kbr_hybrid_rpc_compat_mode"))
}
