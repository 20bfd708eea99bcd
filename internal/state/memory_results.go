package state

import (
	"context"
	"time"
)

func (m *MemoryStore) CreateResults(_ context.Context, results []Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		if _, ok := m.results[r.ID]; ok {
			return ErrResultAlreadyExists
		}
	}
	now := time.Now().UTC()
	for _, r := range results {
		if r.Status == "" {
			r.Status = ResultCreated
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		m.results[r.ID] = cloneResult(r)
		m.hub.publish(ChangeEvent{Entity: EntityResult, Op: OpInsert, DocID: r.ID, Result: ptrResult(r)})
	}
	return nil
}

func (m *MemoryStore) GetResult(_ context.Context, resultID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[resultID]
	if !ok {
		return Result{}, ErrResultNotFound
	}
	return cloneResult(r), nil
}

// AddTaskDependencies registers reverse dependency edges as an idempotent set
// union. Results that do not exist are skipped: the caller re-checks result
// completion afterwards and handles the gap there.
func (m *MemoryStore) AddTaskDependencies(_ context.Context, dependencies map[string][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for resultID, taskIDs := range dependencies {
		r, ok := m.results[resultID]
		if !ok {
			continue
		}
		added := false
		for _, taskID := range taskIDs {
			if !containsString(r.DependentTasks, taskID) {
				r.DependentTasks = append(r.DependentTasks, taskID)
				added = true
			}
		}
		if !added {
			continue
		}
		m.results[resultID] = cloneResult(r)
		m.hub.publish(ChangeEvent{Entity: EntityResult, Op: OpUpdate, DocID: resultID, ChangedFields: []string{"DependentTasks"}, Result: ptrResult(r)})
	}
	return nil
}

// SetTaskOwnership assigns owners without ever overwriting one. The guard is
// part of the update itself, so concurrent callers racing on the same result
// cannot re-own it; a repeat of an assignment that already took counts as
// matched, which keeps retries idempotent.
func (m *MemoryStore) SetTaskOwnership(_ context.Context, sessionID string, ownerships []ResultOwnership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := 0
	for _, o := range ownerships {
		r, ok := m.results[o.ResultID]
		if !ok || r.SessionID != sessionID {
			continue
		}
		if r.OwnerTaskID == o.TaskID {
			matched++
			continue
		}
		if r.OwnerTaskID != "" || r.Status != ResultCreated {
			continue
		}
		r.OwnerTaskID = o.TaskID
		m.results[o.ResultID] = cloneResult(r)
		m.hub.publish(ChangeEvent{Entity: EntityResult, Op: OpUpdate, DocID: o.ResultID, ChangedFields: []string{"OwnerTaskID"}, Result: ptrResult(r)})
		matched++
	}
	if matched != len(ownerships) {
		return ErrResultNotFound
	}
	return nil
}

// ChangeResultOwnership moves still-open results from oldTaskID to their new
// owners. Results already completed or owned elsewhere are left alone, which
// makes the transfer safe to retry.
func (m *MemoryStore) ChangeResultOwnership(_ context.Context, sessionID, oldTaskID string, transfers []OwnershipTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range transfers {
		for _, resultID := range tr.ResultIDs {
			r, ok := m.results[resultID]
			if !ok || r.SessionID != sessionID || r.OwnerTaskID != oldTaskID || r.Status != ResultCreated {
				continue
			}
			r.OwnerTaskID = tr.NewTaskID
			m.results[resultID] = cloneResult(r)
			m.hub.publish(ChangeEvent{Entity: EntityResult, Op: OpUpdate, DocID: resultID, ChangedFields: []string{"OwnerTaskID"}, Result: ptrResult(r)})
		}
	}
	return nil
}

func (m *MemoryStore) UpdateOneResult(_ context.Context, resultID string, guard *ResultFilter, updates []ResultUpdate, returnBefore bool) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[resultID]
	if !ok || (guard != nil && !guard.matches(r)) {
		return nil, ErrResultNotFound
	}
	before := cloneResult(r)
	changed := make([]string, 0, len(updates))
	for _, u := range updates {
		applyResultUpdate(&r, u)
		changed = append(changed, u.Field.String())
	}
	m.results[resultID] = cloneResult(r)
	m.hub.publish(ChangeEvent{Entity: EntityResult, Op: OpUpdate, DocID: resultID, ChangedFields: changed, Result: ptrResult(r)})
	if returnBefore {
		return &before, nil
	}
	after := cloneResult(r)
	return &after, nil
}

func (m *MemoryStore) UpdateManyResults(_ context.Context, filter ResultFilter, updates []ResultUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched int64
	for id, r := range m.results {
		if !filter.matches(r) {
			continue
		}
		changed := make([]string, 0, len(updates))
		for _, u := range updates {
			applyResultUpdate(&r, u)
			changed = append(changed, u.Field.String())
		}
		m.results[id] = cloneResult(r)
		m.hub.publish(ChangeEvent{Entity: EntityResult, Op: OpUpdate, DocID: id, ChangedFields: changed, Result: ptrResult(r)})
		matched++
	}
	return matched, nil
}

func (m *MemoryStore) FindResults(_ context.Context, filter ResultFilter, projection []string) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Result, 0)
	for _, r := range m.results {
		if filter.matches(r) {
			out = append(out, cloneResult(r))
		}
	}
	return projectResults(out, projection), nil
}

func (m *MemoryStore) ListResults(_ context.Context, filter ResultFilter, projection []string, page Page) ([]Result, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]Result, 0)
	for _, r := range m.results {
		if filter.matches(r) {
			matched = append(matched, cloneResult(r))
		}
	}
	total := int64(len(matched))
	if page.PageSize <= 0 {
		return nil, total, nil
	}
	sortResults(matched, page.OrderField, page.AscOrder)
	return projectResults(paginate(matched, page), projection), total, nil
}

func (m *MemoryStore) DeleteResult(_ context.Context, resultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[resultID]
	if !ok {
		return ErrResultNotFound
	}
	delete(m.results, resultID)
	m.hub.publish(ChangeEvent{Entity: EntityResult, Op: OpDelete, DocID: resultID, Result: ptrResult(r)})
	return nil
}

func (m *MemoryStore) DeleteSessionResults(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.results {
		if r.SessionID == sessionID {
			delete(m.results, id)
			m.hub.publish(ChangeEvent{Entity: EntityResult, Op: OpDelete, DocID: id, Result: ptrResult(r)})
		}
	}
	return nil
}
