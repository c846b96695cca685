// Package reputation consumes trade-completion and dispute events.
//
// The trade core emits one-way notifications and never waits on the result;
// reputation bookkeeping proper lives outside this service. The Recorder here
// keeps the per-party counters downstream consumers read.
package reputation

import (
	"context"
	"strings"
	"sync"
)

// Notifier receives one-way notifications from the trade state machine.
type Notifier interface {
	OnTradeCompleted(ctx context.Context, party string)
	OnTradeDisputed(ctx context.Context, party string)
}

// Stats are the per-party counters maintained by the Recorder.
type Stats struct {
	Party     string `json:"party"`
	Completed int64  `json:"completed"`
	Disputed  int64  `json:"disputed"`
}

// Recorder is an in-process Notifier keeping counters per party.
type Recorder struct {
	mu    sync.RWMutex
	stats map[string]*Stats
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{stats: make(map[string]*Stats)}
}

func (r *Recorder) OnTradeCompleted(ctx context.Context, party string) {
	r.bump(party, func(s *Stats) { s.Completed++ })
}

func (r *Recorder) OnTradeDisputed(ctx context.Context, party string) {
	r.bump(party, func(s *Stats) { s.Disputed++ })
}

// Get returns the counters for a party, zeroed if never seen.
func (r *Recorder) Get(party string) Stats {
	party = strings.ToLower(party)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.stats[party]; ok {
		return *s
	}
	return Stats{Party: party}
}

func (r *Recorder) bump(party string, fn func(*Stats)) {
	party = strings.ToLower(party)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[party]
	if !ok {
		s = &Stats{Party: party}
		r.stats[party] = s
	}
	fn(s)
}
