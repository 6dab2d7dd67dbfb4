package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards one in every N events. Session lifecycle events
// are always forwarded so that per-session accounting stays complete.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	counter     atomic.Uint64
	always      map[string]struct{}
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Round(1 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &SamplingObserver{
		inner:       inner,
		sampleEvery: every,
		always: map[string]struct{}{
			EventSessionOpened:  {},
			EventSessionRefused: {},
			EventSessionClosed:  {},
		},
	}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, ok := s.always[ev.Name]; ok {
		s.inner.RecordEvent(ev)
		return
	}
	switch s.sampleEvery {
	case 0:
		return
	case 1:
		s.inner.RecordEvent(ev)
		return
	}
	if s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
