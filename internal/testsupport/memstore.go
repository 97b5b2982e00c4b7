// Package testsupport holds in-memory fakes shared by package tests.
package testsupport

import (
	"context"
	"sort"
	"sync"
	"time"

	"mailqueue/contracts/db"
	mqc "mailqueue/contracts/mq"
	"mailqueue/internal/repository"
)

// Write is one UpdateStatus call seen by MemStore.
type Write struct {
	EmailID string
	Update  repository.StatusUpdate
	Err     error
}

// MemStore is an in-memory queue store with the same conditional update
// semantics as the postgres repository.
type MemStore struct {
	mu     sync.Mutex
	items  map[string]*db.QueueItem
	events []mqc.EmailInsertedPayload
	writes []Write

	// UpdateErr, when set, fails every UpdateStatus call.
	UpdateErr error
	Now       func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*db.QueueItem), Now: time.Now}
}

// Seed stores item as is, replacing any item with the same id.
func (s *MemStore) Seed(items ...db.QueueItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range items {
		it := cloneItem(items[i])
		s.items[it.EmailID] = &it
	}
}

// Get returns a copy of the stored item.
func (s *MemStore) Get(emailID string) (db.QueueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[emailID]
	if !ok {
		return db.QueueItem{}, false
	}
	return cloneItem(*it), true
}

// Events returns the outbox events written by Insert.
func (s *MemStore) Events() []mqc.EmailInsertedPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mqc.EmailInsertedPayload(nil), s.events...)
}

// Writes returns every UpdateStatus call in order.
func (s *MemStore) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

func (s *MemStore) Insert(_ context.Context, item *db.QueueItem, event mqc.EmailInsertedPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.EmailID]; ok {
		return repository.ErrDuplicate
	}
	for _, existing := range s.items {
		if existing.PublicID == item.PublicID {
			return repository.ErrDuplicate
		}
	}
	item.UpdatedAt = item.TimestampAddedToQueue
	it := cloneItem(*item)
	s.items[it.EmailID] = &it
	s.events = append(s.events, event)
	return nil
}

func (s *MemStore) GetByID(_ context.Context, emailID string) (*db.QueueItem, error) {
	it, ok := s.Get(emailID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &it, nil
}

func (s *MemStore) FindByPublicID(_ context.Context, publicID string) (*db.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.PublicID == publicID {
			c := cloneItem(*it)
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *MemStore) ListActive(_ context.Context, user string) ([]db.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []db.QueueItem{}
	for _, it := range s.items {
		if !it.Status.Active() {
			continue
		}
		if user != "" && it.User != user {
			continue
		}
		out = append(out, cloneItem(*it))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TimestampAddedToQueue.After(out[j].TimestampAddedToQueue)
	})
	return out, nil
}

func (s *MemStore) UpdateStatus(ctx context.Context, emailID string, upd repository.StatusUpdate) (*db.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.update(ctx, emailID, upd)
	s.writes = append(s.writes, Write{EmailID: emailID, Update: upd, Err: err})
	return item, err
}

func (s *MemStore) update(ctx context.Context, emailID string, upd repository.StatusUpdate) (*db.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.UpdateErr != nil {
		return nil, s.UpdateErr
	}
	it, ok := s.items[emailID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !contains(upd.AllowedFrom, it.Status) {
		return nil, &repository.TransitionError{EmailID: emailID, From: it.Status, To: upd.To}
	}
	it.Status = upd.To
	if upd.SetResponse {
		it.AssistantResponse = cloneMap(upd.Response)
	}
	it.UpdatedAt = s.Now()
	c := cloneItem(*it)
	return &c, nil
}

func contains(list []db.Status, s db.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneItem(it db.QueueItem) db.QueueItem {
	it.AssistantResponse = cloneMap(it.AssistantResponse)
	return it
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
