package state

import (
	"context"
	"time"
)

func (m *MemoryStore) CreateTasks(_ context.Context, tasks []Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if _, ok := m.tasks[t.ID]; ok {
			return ErrTaskAlreadyExists
		}
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.InitialTaskID == "" {
			t.InitialTaskID = t.ID
		}
		m.tasks[t.ID] = cloneTask(t)
		m.hub.publish(ChangeEvent{Entity: EntityTask, Op: OpInsert, DocID: t.ID, Task: ptrTask(t)})
	}
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (m *MemoryStore) UpdateOneTask(_ context.Context, taskID string, guard *TaskFilter, updates []TaskUpdate, returnBefore bool) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || (guard != nil && !guard.matches(t)) {
		return nil, ErrTaskNotFound
	}
	before := cloneTask(t)
	changed := make([]string, 0, len(updates))
	for _, u := range updates {
		applyTaskUpdate(&t, u)
		changed = append(changed, u.Field.String())
	}
	m.tasks[taskID] = cloneTask(t)
	m.hub.publish(ChangeEvent{Entity: EntityTask, Op: OpUpdate, DocID: taskID, ChangedFields: changed, Task: ptrTask(t)})
	if returnBefore {
		return &before, nil
	}
	after := cloneTask(t)
	return &after, nil
}

func (m *MemoryStore) UpdateManyTasks(_ context.Context, filter TaskFilter, updates []TaskUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched int64
	for id, t := range m.tasks {
		if !filter.matches(t) {
			continue
		}
		changed := make([]string, 0, len(updates))
		for _, u := range updates {
			applyTaskUpdate(&t, u)
			changed = append(changed, u.Field.String())
		}
		m.tasks[id] = cloneTask(t)
		m.hub.publish(ChangeEvent{Entity: EntityTask, Op: OpUpdate, DocID: id, ChangedFields: changed, Task: ptrTask(t)})
		matched++
	}
	return matched, nil
}

func (m *MemoryStore) BulkUpdateTasks(ctx context.Context, updates []TaskBulkUpdate) (int64, error) {
	var matched int64
	for _, item := range updates {
		n, err := m.UpdateManyTasks(ctx, item.Filter, item.Updates)
		if err != nil {
			return matched, err
		}
		matched += n
	}
	return matched, nil
}

func (m *MemoryStore) FindTasks(_ context.Context, filter TaskFilter, projection []string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0)
	for _, t := range m.tasks {
		if filter.matches(t) {
			out = append(out, cloneTask(t))
		}
	}
	return projectTasks(out, projection), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter, projection []string, page Page) ([]Task, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]Task, 0)
	for _, t := range m.tasks {
		if filter.matches(t) {
			matched = append(matched, cloneTask(t))
		}
	}
	total := int64(len(matched))
	if page.PageSize <= 0 {
		return nil, total, nil
	}
	sortTasks(matched, page.OrderField, page.AscOrder)
	return projectTasks(paginate(matched, page), projection), total, nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, taskID)
	m.hub.publish(ChangeEvent{Entity: EntityTask, Op: OpDelete, DocID: taskID, Task: ptrTask(t)})
	return nil
}

func (m *MemoryStore) DeleteTasks(_ context.Context, taskIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range taskIDs {
		if t, ok := m.tasks[id]; ok {
			delete(m.tasks, id)
			m.hub.publish(ChangeEvent{Entity: EntityTask, Op: OpDelete, DocID: id, Task: ptrTask(t)})
		}
	}
	return nil
}

func (m *MemoryStore) DeleteSessionTasks(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.SessionID == sessionID {
			delete(m.tasks, id)
			m.hub.publish(ChangeEvent{Entity: EntityTask, Op: OpDelete, DocID: id, Task: ptrTask(t)})
		}
	}
	return nil
}

// RemoveRemainingDataDependencies strikes resolved result ids under the store
// lock, so "the set became empty because of this call" is observed by exactly
// one caller even when completion notifications race.
func (m *MemoryStore) RemoveRemainingDataDependencies(_ context.Context, taskIDs, resolved []string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ready := make([]Task, 0)
	for _, id := range taskIDs {
		t, ok := m.tasks[id]
		if !ok {
			continue
		}
		kept := make([]string, 0, len(t.DataDependencies))
		removed := false
		for _, dep := range t.DataDependencies {
			if containsString(resolved, dep) {
				removed = true
				continue
			}
			kept = append(kept, dep)
		}
		if !removed {
			continue
		}
		t.DataDependencies = kept
		m.tasks[id] = cloneTask(t)
		m.hub.publish(ChangeEvent{Entity: EntityTask, Op: OpUpdate, DocID: id, ChangedFields: []string{"DataDependencies"}, Task: ptrTask(t)})
		if len(kept) == 0 && (t.Status == TaskCreating || t.Status == TaskPending) {
			ready = append(ready, cloneTask(t))
		}
	}
	return ready, nil
}

func (m *MemoryStore) CountTasksByStatus(_ context.Context, filter TaskFilter) ([]StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStatus := make(map[string]int)
	for _, t := range m.tasks {
		if filter.matches(t) {
			byStatus[t.Status]++
		}
	}
	return statusCounts(byStatus), nil
}

func (m *MemoryStore) CountPartitionTasks(_ context.Context) ([]PartitionStatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		partition string
		status    string
	}
	byKey := make(map[key]int)
	for _, t := range m.tasks {
		byKey[key{t.Options.PartitionID, t.Status}]++
	}
	out := make([]PartitionStatusCount, 0, len(byKey))
	for k, n := range byKey {
		out = append(out, PartitionStatusCount{PartitionID: k.partition, Status: k.status, Count: n})
	}
	sortPartitionCounts(out)
	return out, nil
}
