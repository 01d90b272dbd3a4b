package engine

import (
	"fmt"
	"sync/atomic"
)

// Statistics counts propagated operations of one sync cycle.
type Statistics struct {
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// StatisticsSnapshot is a point in time copy of Statistics.
type StatisticsSnapshot struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

func (s StatisticsSnapshot) String() string {
	return fmt.Sprintf("succeeded=%d failed=%d skipped=%d", s.Succeeded, s.Failed, s.Skipped)
}

// Record classifies the result code of an executed operation.
func (s *Statistics) Record(code ExecutionResultCode) {
	switch {
	case code == Success:
		s.succeeded.Add(1)
	case code.IsSkip():
		s.skipped.Add(1)
	default:
		s.failed.Add(1)
	}
}

func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		Skipped:   s.skipped.Load(),
	}
}

func (s *Statistics) Reset() {
	s.succeeded.Store(0)
	s.failed.Store(0)
	s.skipped.Store(0)
}
