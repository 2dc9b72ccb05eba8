package processor

import (
	"context"
	"fmt"
	"time"

	"ciris/internal/logging"
	"ciris/internal/persistence"
	"ciris/internal/types"
)

// =============================================================================
// SOLITUDE
// =============================================================================

// solitudePass does the quiet-state maintenance: compact correlations past
// their retention window and keep schedules firing. No new thought intake
// happens here; the loop returns to WORK when work shows up.
func (p *Processor) solitudePass(ctx context.Context) {
	timer := logging.StartTimer(logging.CategorySolitude, "maintenance")
	defer timer.Stop()

	cutoff := p.deps.Clock.Now().Add(-p.opts.Retention)
	if n, err := p.deps.Store.CompactCorrelations(ctx, cutoff); err != nil {
		logging.Solitude("compaction failed: %v", err)
	} else if n > 0 {
		logging.Solitude("compacted %d correlations older than %s", n, cutoff.Format("2006-01-02 15:04"))
	}

	p.triggerScheduled(ctx)
}

// =============================================================================
// DREAM
// =============================================================================

// dreamPass consolidates the correlation history since the previous dream
// into one TSDB_DATA summary node. Memory writes are the only effect a
// dream is allowed; external buses stay untouched.
func (p *Processor) dreamPass(ctx context.Context) {
	timer := logging.StartTimer(logging.CategoryDream, "consolidation")
	defer timer.Stop()

	now := p.deps.Clock.Now()
	p.mu.Lock()
	since := p.consolidatedTo
	p.mu.Unlock()
	if since.IsZero() {
		since = now.Add(-p.opts.DreamInterval)
	}

	corrs, err := p.deps.Store.QueryCorrelations(ctx, persistence.CorrelationQuery{
		Since: since,
		Until: now,
	})
	if err != nil {
		logging.Dream("correlation query failed: %v", err)
		return
	}
	if len(corrs) == 0 {
		logging.DreamDebug("nothing to consolidate since %s", since.Format("15:04:05"))
		p.markConsolidated(now)
		return
	}

	node := summarizeWindow(corrs, since, now)
	if _, err := p.deps.Buses.Memory.Put(ctx, node); err != nil {
		logging.Dream("failed to store summary %s: %v", node.ID, err)
		return
	}

	p.auditEvent(ctx, types.AuditActionMemorize, "dream", map[string]any{
		"node_id":      node.ID,
		"correlations": len(corrs),
		"window_start": since.UTC().Format(time.RFC3339),
		"window_end":   now.UTC().Format(time.RFC3339),
	})

	p.markConsolidated(now)
	logging.Dream("consolidated %d correlations into %s", len(corrs), node.ID)
}

func (p *Processor) markConsolidated(to time.Time) {
	p.mu.Lock()
	p.consolidatedTo = to
	p.mu.Unlock()
}

// summarizeWindow folds raw correlations into per-service counts plus
// metric aggregates. The node id keys on the window start so repeating a
// dream over the same window overwrites rather than duplicates.
func summarizeWindow(corrs []*types.Correlation, since, until time.Time) types.GraphNode {
	type serviceStat struct {
		calls    int
		failures int
		metrics  int
		sum      float64
	}
	stats := make(map[string]*serviceStat)
	for _, c := range corrs {
		key := string(c.ServiceType)
		st, ok := stats[key]
		if !ok {
			st = &serviceStat{}
			stats[key] = st
		}
		switch c.Type {
		case types.CorrelationMetric:
			st.metrics++
			st.sum += c.MetricValue
		default:
			st.calls++
			if c.Status == "failure" {
				st.failures++
			}
		}
	}

	services := make(map[string]any, len(stats))
	for k, v := range stats {
		services[k] = map[string]any{
			"calls":      v.calls,
			"failures":   v.failures,
			"metrics":    v.metrics,
			"metric_sum": v.sum,
		}
	}

	return types.GraphNode{
		ID:    fmt.Sprintf("tsdb/summary/%d", since.UTC().Unix()),
		Type:  types.NodeTSDBData,
		Scope: types.ScopeLocal,
		Attributes: map[string]any{
			"window_start": since.UTC().Format(time.RFC3339),
			"window_end":   until.UTC().Format(time.RFC3339),
			"correlations": len(corrs),
			"services":     services,
		},
	}
}
