package orchestrator

import (
	"sync"
	"time"
)

// MethodStats is one instrumented operation's counters: calls, errors
// and an exponential moving average of latency, recorded by an explicit
// interceptor at each call site.
type MethodStats struct {
	Calls        int64   `json:"calls"`
	Errors       int64   `json:"errors"`
	LatencyMsEMA float64 `json:"latency_ms"`
}

// StatsBlock aggregates MethodStats per operation name.
type StatsBlock struct {
	mu      sync.Mutex
	methods map[string]*MethodStats
}

// NewStatsBlock builds an empty stats block.
func NewStatsBlock() *StatsBlock {
	return &StatsBlock{methods: make(map[string]*MethodStats)}
}

// Observe starts timing one call; the returned func records the
// duration and outcome when invoked (usually via defer).
func (s *StatsBlock) Observe(method string) func(err error) {
	start := time.Now()
	return func(err error) {
		elapsed := float64(time.Since(start).Milliseconds())
		s.mu.Lock()
		defer s.mu.Unlock()
		st, ok := s.methods[method]
		if !ok {
			st = &MethodStats{}
			s.methods[method] = st
		}
		st.Calls++
		if err != nil {
			st.Errors++
		}
		if st.Calls == 1 {
			st.LatencyMsEMA = elapsed
		} else {
			st.LatencyMsEMA = 0.1*elapsed + 0.9*st.LatencyMsEMA
		}
	}
}

// Snapshot returns a copy of every method's stats.
func (s *StatsBlock) Snapshot() map[string]MethodStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]MethodStats, len(s.methods))
	for k, v := range s.methods {
		out[k] = *v
	}
	return out
}

// Stats exposes the orchestrator's stats block for the periodic
// synchronisation worker and for diagnostics.
func (o *Orchestrator) Stats() *StatsBlock { return o.stats }
