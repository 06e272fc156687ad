// Package metrics keeps the consumer's operational counters and renders
// the /metrics JSON document. Counters are process-local and reset on
// restart; anything that must survive restarts lives in the stores.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry aggregates every counter the runtime exposes.
type Registry struct {
	start time.Time

	eventsConsumed  atomic.Int64
	eventsProcessed atomic.Int64
	filesIndexed    atomic.Int64
	filesFailed     atomic.Int64
	vectorsUpserted atomic.Int64
	nodesWritten    atomic.Int64
	edgesWritten    atomic.Int64
	retriesTotal    atomic.Int64

	invalidTotal atomic.Int64

	mu            sync.RWMutex
	invalidByWhy  map[string]int64
	errorsByKind  map[string]int64
	lagByPart     map[string]int64
	breakerState  string
	consumerMode  string
	workersActive atomic.Int64
}

// New creates a registry with the uptime clock started.
func New() *Registry {
	return &Registry{
		start:        time.Now(),
		invalidByWhy: make(map[string]int64),
		errorsByKind: make(map[string]int64),
		lagByPart:    make(map[string]int64),
		breakerState: "closed",
		consumerMode: "async_bus",
	}
}

func (r *Registry) EventConsumed()        { r.eventsConsumed.Add(1) }
func (r *Registry) EventProcessed()       { r.eventsProcessed.Add(1) }
func (r *Registry) FileIndexed()          { r.filesIndexed.Add(1) }
func (r *Registry) FileFailed()           { r.filesFailed.Add(1) }
func (r *Registry) VectorsUpserted(n int) { r.vectorsUpserted.Add(int64(n)) }
func (r *Registry) NodesWritten(n int)    { r.nodesWritten.Add(int64(n)) }
func (r *Registry) EdgesWritten(n int)    { r.edgesWritten.Add(int64(n)) }
func (r *Registry) Retry()                { r.retriesTotal.Add(1) }

// InvalidEvent records a skipped event under its full reason message and
// returns the new total. The caller escalates log severity on every
// hundredth skip.
func (r *Registry) InvalidEvent(reason string) int64 {
	total := r.invalidTotal.Add(1)
	r.mu.Lock()
	r.invalidByWhy[reason]++
	r.mu.Unlock()
	return total
}

// Error records an operational error by kind (transient_io, domain_fatal,
// bus, store, intelligence).
func (r *Registry) Error(kind string) {
	r.mu.Lock()
	r.errorsByKind[kind]++
	r.mu.Unlock()
}

// SetLag records the current lag for one partition or stream.
func (r *Registry) SetLag(partition string, lag int64) {
	r.mu.Lock()
	r.lagByPart[partition] = lag
	r.mu.Unlock()
}

// SetBreakerState mirrors the intelligence client's circuit breaker.
func (r *Registry) SetBreakerState(state string) {
	r.mu.Lock()
	r.breakerState = state
	r.mu.Unlock()
}

// SetMode records the active pipeline mode (async_bus or http_fallback).
func (r *Registry) SetMode(mode string) {
	r.mu.Lock()
	r.consumerMode = mode
	r.mu.Unlock()
}

// Mode returns the recorded pipeline mode.
func (r *Registry) Mode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consumerMode
}

// WorkerStarted and WorkerStopped track in-flight dispatch workers.
func (r *Registry) WorkerStarted() { r.workersActive.Add(1) }
func (r *Registry) WorkerStopped() { r.workersActive.Add(-1) }

// ReasonCount is one by_reason entry, ordered by descending count.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// Snapshot is the /metrics JSON document.
type Snapshot struct {
	UptimeSeconds int64 `json:"uptime_seconds"`

	Events struct {
		Consumed  int64 `json:"consumed"`
		Processed int64 `json:"processed"`
	} `json:"events"`

	InvalidEvents struct {
		TotalSkipped int64         `json:"total_skipped"`
		ByReason     []ReasonCount `json:"by_reason"`
	} `json:"invalid_events"`

	Files struct {
		Indexed int64 `json:"indexed"`
		Failed  int64 `json:"failed"`
	} `json:"files"`

	Writes struct {
		VectorsUpserted int64 `json:"vectors_upserted"`
		NodesWritten    int64 `json:"nodes_written"`
		EdgesWritten    int64 `json:"edges_written"`
	} `json:"writes"`

	Errors struct {
		ByKind map[string]int64 `json:"by_kind"`
	} `json:"errors"`

	RetriesTotal int64 `json:"retries_total"`

	Consumer struct {
		Mode          string           `json:"mode"`
		WorkersActive int64            `json:"workers_active"`
		TotalLag      int64            `json:"total_lag"`
		Lag           map[string]int64 `json:"per_topic_lag"`
	} `json:"consumer"`

	CircuitBreaker struct {
		State string `json:"state"`
	} `json:"circuit_breaker"`
}

// Snapshot renders the current counters. by_reason is sorted by count
// descending with the full reason message as key, ties broken by reason
// text so the output is stable.
func (r *Registry) Snapshot() Snapshot {
	var s Snapshot
	s.UptimeSeconds = int64(time.Since(r.start).Seconds())
	s.Events.Consumed = r.eventsConsumed.Load()
	s.Events.Processed = r.eventsProcessed.Load()
	s.InvalidEvents.TotalSkipped = r.invalidTotal.Load()
	s.Files.Indexed = r.filesIndexed.Load()
	s.Files.Failed = r.filesFailed.Load()
	s.Writes.VectorsUpserted = r.vectorsUpserted.Load()
	s.Writes.NodesWritten = r.nodesWritten.Load()
	s.Writes.EdgesWritten = r.edgesWritten.Load()
	s.RetriesTotal = r.retriesTotal.Load()
	s.Consumer.WorkersActive = r.workersActive.Load()

	r.mu.RLock()
	defer r.mu.RUnlock()

	s.InvalidEvents.ByReason = make([]ReasonCount, 0, len(r.invalidByWhy))
	for reason, count := range r.invalidByWhy {
		s.InvalidEvents.ByReason = append(s.InvalidEvents.ByReason, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(s.InvalidEvents.ByReason, func(i, j int) bool {
		a, b := s.InvalidEvents.ByReason[i], s.InvalidEvents.ByReason[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Reason < b.Reason
	})

	s.Errors.ByKind = make(map[string]int64, len(r.errorsByKind))
	for k, v := range r.errorsByKind {
		s.Errors.ByKind[k] = v
	}
	s.Consumer.Lag = make(map[string]int64, len(r.lagByPart))
	for k, v := range r.lagByPart {
		s.Consumer.Lag[k] = v
		s.Consumer.TotalLag += v
	}
	s.Consumer.Mode = r.consumerMode
	s.CircuitBreaker.State = r.breakerState
	return s
}

// TotalLag sums lag across partitions, for readiness reporting.
func (r *Registry) TotalLag() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, v := range r.lagByPart {
		total += v
	}
	return total
}
