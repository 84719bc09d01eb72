package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JournalEntry is the audit record of one leg of an applied mutation.
// Entries of the same mutation share OpKey.
type JournalEntry struct {
	ID             uuid.UUID
	OpKey          string
	Op             Op
	Key            AccountKey
	AvailableDelta int64
	ReservedDelta  int64
	// Post-mutation state
	Available int64
	Reserved  int64
	Version   int64
	At        time.Time
}

// Auditor receives journal entries after the mutation committed.
type Auditor interface {
	Record(ctx context.Context, entries []JournalEntry) error
}

// MemoryJournal keeps every entry in memory.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Record(_ context.Context, entries []JournalEntry) error {
	j.mu.Lock()
	j.entries = append(j.entries, entries...)
	j.mu.Unlock()
	return nil
}

// Entries returns a copy of all recorded entries.
func (j *MemoryJournal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

func newJournalEntries(m Mutation, post []Balance) []JournalEntry {
	entries := make([]JournalEntry, len(m.Legs))
	for i, leg := range m.Legs {
		entries[i] = JournalEntry{
			ID:             uuid.New(),
			OpKey:          m.OpKey,
			Op:             m.Op,
			Key:            leg.Key,
			AvailableDelta: leg.AvailableDelta,
			ReservedDelta:  leg.ReservedDelta,
			Available:      post[i].Available,
			Reserved:       post[i].Reserved,
			Version:        post[i].Version,
			At:             post[i].UpdatedAt,
		}
	}
	return entries
}
