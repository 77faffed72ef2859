package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEventStore is a goroutine-safe EventStore backed by maps. It is
// meant for tests and for deployments that want replay over process-local
// history without external infrastructure.
type MemoryEventStore struct {
	mu        sync.RWMutex
	streams   map[string][][]byte
	timelines map[string][]timelineEntry
	kv        map[string]kvEntry
	dlqs      map[string][][]byte
}

type timelineEntry struct {
	score  int64
	member string
}

type kvEntry struct {
	blob      []byte
	expiresAt time.Time
}

// NewMemoryEventStore creates an empty MemoryEventStore.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		streams:   make(map[string][][]byte),
		timelines: make(map[string][]timelineEntry),
		kv:        make(map[string]kvEntry),
		dlqs:      make(map[string][][]byte),
	}
}

var _ EventStore = (*MemoryEventStore)(nil)

func (s *MemoryEventStore) AppendStream(ctx context.Context, streamKey string, blob []byte, maxLen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.streams[streamKey], blob)
	if maxLen > 0 && int64(len(entries)) > maxLen {
		entries = entries[int64(len(entries))-maxLen:]
	}
	s.streams[streamKey] = entries
	return nil
}

func (s *MemoryEventStore) AddToTimeline(ctx context.Context, timelineKey string, score int64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.timelines[timelineKey]
	for i, e := range entries {
		if e.member == member {
			entries[i].score = score
			return nil
		}
	}
	s.timelines[timelineKey] = append(entries, timelineEntry{score: score, member: member})
	return nil
}

func (s *MemoryEventStore) SetWithTTL(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := kvEntry{blob: blob}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.kv[key] = entry
	return nil
}

func (s *MemoryEventStore) RangeByScore(ctx context.Context, timelineKey string, min, max int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var selected []timelineEntry
	for _, e := range s.timelines[timelineKey] {
		if e.score >= min && e.score <= max {
			selected = append(selected, e)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].score < selected[j].score })

	members := make([]string, len(selected))
	for i, e := range selected {
		members[i] = e.member
	}
	return members, nil
}

func (s *MemoryEventStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}
	return entry.blob, nil
}

func (s *MemoryEventStore) PushDeadLetter(ctx context.Context, dlqKey string, blob []byte, maxLen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append([][]byte{blob}, s.dlqs[dlqKey]...)
	if maxLen > 0 && int64(len(entries)) > maxLen {
		entries = entries[:maxLen]
	}
	s.dlqs[dlqKey] = entries
	return nil
}

func (s *MemoryEventStore) Ping(ctx context.Context) error { return nil }

// DeadLetterCount reports the length of a dead-letter list. Test helper.
func (s *MemoryEventStore) DeadLetterCount(dlqKey string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dlqs[dlqKey])
}

// StreamLen reports the length of a stream. Test helper.
func (s *MemoryEventStore) StreamLen(streamKey string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[streamKey])
}
