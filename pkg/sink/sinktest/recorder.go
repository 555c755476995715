// Package sinktest records sink deliveries for tests.
package sinktest

import (
	"context"
	"sync"

	"rulekit/pkg/sink"
)

// Delivery is one recorded call.
type Delivery struct {
	Kind   sink.Kind
	Target string
	Value  string
}

// Recorder is a sink.Sink that remembers every delivery. Err, if set, is
// returned from every call after recording it.
type Recorder struct {
	mu  sync.Mutex
	all []Delivery
	Err error
}

var _ sink.Sink = (*Recorder)(nil)

func (r *Recorder) SendCommand(_ context.Context, target, value string) error {
	return r.record(sink.KindCommand, target, value)
}

func (r *Recorder) PostUpdate(_ context.Context, target, value string) error {
	return r.record(sink.KindUpdate, target, value)
}

func (r *Recorder) record(kind sink.Kind, target, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, Delivery{Kind: kind, Target: target, Value: value})
	return r.Err
}

// Deliveries returns a copy of everything recorded so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.all...)
}

// Values returns the values delivered to target, in order.
func (r *Recorder) Values(target string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.all {
		if d.Target == target {
			out = append(out, d.Value)
		}
	}
	return out
}
