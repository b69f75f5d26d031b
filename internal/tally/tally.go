// Package tally aggregates per-option answer counts for the current question.
package tally

import (
	"sort"
	"sync"
)

// Answer is the subset of an answer event the aggregator needs.
type Answer struct {
	ParticipantID string
	Option        string
}

// Aggregator counts at most one answer per participant. Recording is keyed by
// participant, so replays and reordering converge to the same counts.
type Aggregator struct {
	mu      sync.RWMutex
	byVoter map[string]string
	counts  map[string]int
}

func New() *Aggregator {
	return &Aggregator{
		byVoter: make(map[string]string),
		counts:  make(map[string]int),
	}
}

// OnAnswerEvent records a in the tally and reports whether it changed the counts.
func (a *Aggregator) OnAnswerEvent(ev Answer) bool {
	if ev.ParticipantID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.byVoter[ev.ParticipantID]; seen {
		return false
	}
	a.byVoter[ev.ParticipantID] = ev.Option
	a.counts[ev.Option]++
	return true
}

// PercentageFor returns the share of responses for option in [0, 1].
func (a *Aggregator) PercentageFor(option string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := len(a.byVoter)
	if total == 0 {
		return 0
	}
	return float64(a.counts[option]) / float64(total)
}

func (a *Aggregator) Total() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byVoter)
}

// Counts returns a copy of the per-option counts.
func (a *Aggregator) Counts() map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}

// Options returns the options seen so far in sorted order.
func (a *Aggregator) Options() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.counts))
	for k := range a.counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byVoter = make(map[string]string)
	a.counts = make(map[string]int)
}
