package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements the task, result, session and partition stores plus
// the change feed against process-local maps. It is the reference
// implementation used by tests and single-node deployments.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]Session
	tasks      map[string]Task
	results    map[string]Result
	partitions map[string]Partition
	hub        *memWatchHub
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]Session),
		tasks:      make(map[string]Task),
		results:    make(map[string]Result),
		partitions: make(map[string]Partition),
		hub:        newMemWatchHub(),
	}
}

// Watch subscribes to raw mutation events. The stream ends when ctx does.
func (m *MemoryStore) Watch(ctx context.Context, filter WatchFilter) (*EventStream, error) {
	return m.hub.subscribe(ctx, filter), nil
}

// Sessions

func (m *MemoryStore) CreateSession(_ context.Context, session Session) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if _, ok := m.sessions[session.ID]; ok {
		return "", ErrSessionAlreadyExists
	}
	session.Status = SessionRunning
	session.ClientSubmission = true
	session.WorkerSubmission = true
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	m.sessions[session.ID] = cloneSession(session)
	m.hub.publish(ChangeEvent{Entity: EntitySession, Op: OpInsert, DocID: session.ID, Session: ptrSession(session)})
	return session.ID, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) UpdateOneSession(_ context.Context, sessionID string, guard *SessionFilter, updates []SessionUpdate, returnBefore bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || (guard != nil && !guard.matches(s)) {
		return nil, ErrSessionNotFound
	}
	before := cloneSession(s)
	changed := make([]string, 0, len(updates))
	for _, u := range updates {
		applySessionUpdate(&s, u)
		changed = append(changed, u.Field.String())
	}
	m.sessions[sessionID] = cloneSession(s)
	m.hub.publish(ChangeEvent{Entity: EntitySession, Op: OpUpdate, DocID: sessionID, ChangedFields: changed, Session: ptrSession(s)})
	if returnBefore {
		return &before, nil
	}
	after := cloneSession(s)
	return &after, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, filter SessionFilter, page Page) ([]Session, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]Session, 0)
	for _, s := range m.sessions {
		if filter.matches(s) {
			matched = append(matched, cloneSession(s))
		}
	}
	total := int64(len(matched))
	if page.PageSize <= 0 {
		return nil, total, nil
	}
	sortSessions(matched, page.OrderField, page.AscOrder)
	return paginate(matched, page), total, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	m.hub.publish(ChangeEvent{Entity: EntitySession, Op: OpDelete, DocID: sessionID, Session: ptrSession(s)})
	return nil
}

// Partitions

func (m *MemoryStore) CreatePartition(_ context.Context, partition Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions[partition.ID] = partition
	return nil
}

func (m *MemoryStore) GetPartition(_ context.Context, partitionID string) (Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[partitionID]
	if !ok {
		return Partition{}, ErrPartitionNotFound
	}
	return p, nil
}

func (m *MemoryStore) ArePartitionsExisting(_ context.Context, partitionIDs []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range partitionIDs {
		if _, ok := m.partitions[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemoryStore) ListPartitions(_ context.Context, page Page) ([]Partition, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		out = append(out, p)
	}
	total := int64(len(out))
	if page.PageSize <= 0 {
		return nil, total, nil
	}
	sortPartitions(out, page.AscOrder)
	return paginate(out, page), total, nil
}

func (m *MemoryStore) DeletePartition(_ context.Context, partitionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partitions[partitionID]; !ok {
		return ErrPartitionNotFound
	}
	delete(m.partitions, partitionID)
	return nil
}

func cloneSession(s Session) Session {
	out := s
	out.PartitionIDs = append([]string(nil), s.PartitionIDs...)
	return out
}

func ptrSession(s Session) *Session {
	c := cloneSession(s)
	return &c
}

func cloneTask(t Task) Task {
	out := t
	out.ParentTaskIDs = append([]string(nil), t.ParentTaskIDs...)
	out.DataDependencies = append([]string(nil), t.DataDependencies...)
	out.ExpectedOutputIDs = append([]string(nil), t.ExpectedOutputIDs...)
	out.RetryOfIDs = append([]string(nil), t.RetryOfIDs...)
	return out
}

func ptrTask(t Task) *Task {
	c := cloneTask(t)
	return &c
}

func cloneResult(r Result) Result {
	out := r
	out.DependentTasks = append([]string(nil), r.DependentTasks...)
	out.OpaqueID = append([]byte(nil), r.OpaqueID...)
	return out
}

func ptrResult(r Result) *Result {
	c := cloneResult(r)
	return &c
}

func paginate[T any](items []T, page Page) []T {
	start := page.Page * page.PageSize
	if start >= len(items) {
		return nil
	}
	end := start + page.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
