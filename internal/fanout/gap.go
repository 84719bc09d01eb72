package fanout

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// GapDetector tracks the last sequence seen per user on the consuming side
// of a stream and reports skipped or repeated events. The first event seen
// for a user sets the baseline.
type GapDetector struct {
	mu   sync.Mutex
	last map[uuid.UUID]uint64
	gaps map[uuid.UUID]uint64
}

func NewGapDetector() *GapDetector {
	return &GapDetector{
		last: make(map[uuid.UUID]uint64),
		gaps: make(map[uuid.UUID]uint64),
	}
}

// Observe records seq for userID. It returns the number of events missed
// since the previous observation (0 when contiguous) and an error if seq
// does not advance.
func (g *GapDetector) Observe(userID uuid.UUID, seq uint64) (missed uint64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, seen := g.last[userID]
	if !seen {
		g.last[userID] = seq
		return 0, nil
	}
	if seq <= last {
		return 0, fmt.Errorf("out-of-order event: user=%s, last=%d, got=%d", userID, last, seq)
	}
	g.last[userID] = seq
	missed = seq - last - 1
	if missed > 0 {
		g.gaps[userID] += missed
	}
	return missed, nil
}

// Missed returns the total events missed for userID.
func (g *GapDetector) Missed(userID uuid.UUID) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gaps[userID]
}
