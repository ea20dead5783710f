package logging

import (
	"strings"
	"sync"
)

// ProgressSampler suppresses repetitive progress logs while preserving signal
// when a job's stage or percentage bucket changes. It tracks each job
// independently and is safe for concurrent use.
type ProgressSampler struct {
	bucketSize float64
	mu         sync.Mutex
	last       map[string]sampleState
}

type sampleState struct {
	stage  string
	bucket int
}

// NewProgressSampler constructs a sampler that emits when the percent crosses
// bucket boundaries (default 5%) or when the stage changes.
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 5
	}
	return &ProgressSampler{bucketSize: bucketSize, last: make(map[string]sampleState)}
}

// ShouldLog reports whether a progress update for job should be logged.
// Percent can be negative to indicate "unknown".
func (s *ProgressSampler) ShouldLog(job, stage string, percent float64) bool {
	if s == nil {
		return true
	}
	stage = strings.TrimSpace(stage)

	s.mu.Lock()
	defer s.mu.Unlock()
	state, seen := s.last[job]
	if !seen {
		state.bucket = -1
	}
	emit := false
	if stage != "" && stage != state.stage {
		state.stage = stage
		state.bucket = -1
		emit = true
	}
	if percent >= 0 {
		bucket := int(percent / s.bucketSize)
		if percent >= 100 {
			bucket = int(100 / s.bucketSize)
		}
		if bucket > state.bucket {
			state.bucket = bucket
			emit = true
		}
	}
	s.last[job] = state
	return emit
}

// Forget drops sampler state for a finished job.
func (s *ProgressSampler) Forget(job string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.last, job)
	s.mu.Unlock()
}
