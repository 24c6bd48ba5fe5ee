package livecache

import (
	"context"
	"sort"
	"sync"

	"wayleave/internal/domain"
)

// Synchronizer owns the client-visible record list, newest creation first,
// and keeps it in step with the change feed.
type Synchronizer struct {
	mu       sync.Mutex
	records  []domain.WayleaveRecord
	watchers map[int]chan []domain.WayleaveRecord
	nextID   int
}

func New() *Synchronizer {
	return &Synchronizer{}
}

// Load replaces the collection with a full listing.
func (s *Synchronizer) Load(records []domain.WayleaveRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WayleaveRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	s.records = out
	s.notify()
}

// Apply merges one change. Re-delivery of any change leaves the collection
// as the first delivery did.
func (s *Synchronizer) Apply(c domain.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.Kind {
	case domain.ChangeInserted, domain.ChangeUpdated:
		if c.Record == nil {
			return
		}
		rec := c.Record.Clone()
		if i := s.indexOf(rec.ID); i >= 0 {
			s.records[i] = rec
		} else {
			s.records = append([]domain.WayleaveRecord{rec}, s.records...)
		}
	case domain.ChangeDeleted:
		i := s.indexOf(c.RecordID)
		if i < 0 {
			return
		}
		s.records = append(s.records[:i:i], s.records[i+1:]...)
	default:
		return
	}
	s.notify()
}

// Run applies changes until ctx ends or changes is closed.
func (s *Synchronizer) Run(ctx context.Context, changes <-chan domain.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			s.Apply(c)
		}
	}
}

// Snapshot returns a deep copy of the collection.
func (s *Synchronizer) Snapshot() []domain.WayleaveRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Get returns the record with id from the collection.
func (s *Synchronizer) Get(id int64) (domain.WayleaveRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.records[i].Clone(), true
	}
	return domain.WayleaveRecord{}, false
}

// Watch delivers the current collection and then a fresh snapshot after
// every change. A slow watcher only ever sees the latest snapshot.
func (s *Synchronizer) Watch(ctx context.Context) <-chan []domain.WayleaveRecord {
	ch := make(chan []domain.WayleaveRecord, 1)
	s.mu.Lock()
	if s.watchers == nil {
		s.watchers = make(map[int]chan []domain.WayleaveRecord)
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	ch <- s.snapshot()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func (s *Synchronizer) indexOf(id int64) int {
	for i := range s.records {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) snapshot() []domain.WayleaveRecord {
	out := make([]domain.WayleaveRecord, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// notify runs with mu held.
func (s *Synchronizer) notify() {
	if len(s.watchers) == 0 {
		return
	}
	snap := s.snapshot()
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
