package state

import (
	"fmt"
	"time"
)

// Field-mask updates: an update is a tagged list of (field, value) pairs
// interpreted by each store backend. Values must match the field's Go type;
// a mismatch is a programming error and panics.

type TaskField int

const (
	TaskFieldStatus TaskField = iota
	TaskFieldOwnerPodID
	TaskFieldOwnerPodName
	TaskFieldOutput
	TaskFieldSubmittedAt
	TaskFieldReceivedAt
	TaskFieldAcquiredAt
	TaskFieldStartedAt
	TaskFieldProcessedAt
	TaskFieldEndedAt
)

func (f TaskField) String() string {
	switch f {
	case TaskFieldStatus:
		return "Status"
	case TaskFieldOwnerPodID:
		return "OwnerPodID"
	case TaskFieldOwnerPodName:
		return "OwnerPodName"
	case TaskFieldOutput:
		return "Output"
	case TaskFieldSubmittedAt:
		return "SubmittedAt"
	case TaskFieldReceivedAt:
		return "ReceivedAt"
	case TaskFieldAcquiredAt:
		return "AcquiredAt"
	case TaskFieldStartedAt:
		return "StartedAt"
	case TaskFieldProcessedAt:
		return "ProcessedAt"
	case TaskFieldEndedAt:
		return "EndedAt"
	default:
		return fmt.Sprintf("TaskField(%d)", int(f))
	}
}

type TaskUpdate struct {
	Field TaskField
	Value any
}

// TaskBulkUpdate pairs a per-item filter with its updates for unordered bulk
// writes.
type TaskBulkUpdate struct {
	Filter  TaskFilter
	Updates []TaskUpdate
}

func applyTaskUpdate(t *Task, u TaskUpdate) {
	switch u.Field {
	case TaskFieldStatus:
		t.Status = u.Value.(string)
	case TaskFieldOwnerPodID:
		t.OwnerPodID = u.Value.(string)
	case TaskFieldOwnerPodName:
		t.OwnerPodName = u.Value.(string)
	case TaskFieldOutput:
		t.Output = u.Value.(Output)
	case TaskFieldSubmittedAt:
		t.SubmittedAt = u.Value.(time.Time)
	case TaskFieldReceivedAt:
		t.ReceivedAt = u.Value.(time.Time)
	case TaskFieldAcquiredAt:
		t.AcquiredAt = u.Value.(time.Time)
	case TaskFieldStartedAt:
		t.StartedAt = u.Value.(time.Time)
	case TaskFieldProcessedAt:
		t.ProcessedAt = u.Value.(time.Time)
	case TaskFieldEndedAt:
		t.EndedAt = u.Value.(time.Time)
	default:
		panic(fmt.Sprintf("unknown task field %d", u.Field))
	}
}

type ResultField int

const (
	ResultFieldStatus ResultField = iota
	ResultFieldOwnerTaskID
	ResultFieldCompletedAt
	ResultFieldSize
	ResultFieldOpaqueID
	ResultFieldManualDeletion
)

func (f ResultField) String() string {
	switch f {
	case ResultFieldStatus:
		return "Status"
	case ResultFieldOwnerTaskID:
		return "OwnerTaskID"
	case ResultFieldCompletedAt:
		return "CompletedAt"
	case ResultFieldSize:
		return "Size"
	case ResultFieldOpaqueID:
		return "OpaqueID"
	case ResultFieldManualDeletion:
		return "ManualDeletion"
	default:
		return fmt.Sprintf("ResultField(%d)", int(f))
	}
}

type ResultUpdate struct {
	Field ResultField
	Value any
}

func applyResultUpdate(r *Result, u ResultUpdate) {
	switch u.Field {
	case ResultFieldStatus:
		r.Status = u.Value.(string)
	case ResultFieldOwnerTaskID:
		r.OwnerTaskID = u.Value.(string)
	case ResultFieldCompletedAt:
		r.CompletedAt = u.Value.(time.Time)
	case ResultFieldSize:
		r.Size = u.Value.(int64)
	case ResultFieldOpaqueID:
		r.OpaqueID = u.Value.([]byte)
	case ResultFieldManualDeletion:
		r.ManualDeletion = u.Value.(bool)
	default:
		panic(fmt.Sprintf("unknown result field %d", u.Field))
	}
}

type SessionField int

const (
	SessionFieldStatus SessionField = iota
	SessionFieldClientSubmission
	SessionFieldWorkerSubmission
	SessionFieldCancelledAt
	SessionFieldClosedAt
	SessionFieldPurgedAt
	SessionFieldDeletedAt
)

func (f SessionField) String() string {
	switch f {
	case SessionFieldStatus:
		return "Status"
	case SessionFieldClientSubmission:
		return "ClientSubmission"
	case SessionFieldWorkerSubmission:
		return "WorkerSubmission"
	case SessionFieldCancelledAt:
		return "CancelledAt"
	case SessionFieldClosedAt:
		return "ClosedAt"
	case SessionFieldPurgedAt:
		return "PurgedAt"
	case SessionFieldDeletedAt:
		return "DeletedAt"
	default:
		return fmt.Sprintf("SessionField(%d)", int(f))
	}
}

type SessionUpdate struct {
	Field SessionField
	Value any
}

func applySessionUpdate(s *Session, u SessionUpdate) {
	switch u.Field {
	case SessionFieldStatus:
		s.Status = u.Value.(string)
	case SessionFieldClientSubmission:
		s.ClientSubmission = u.Value.(bool)
	case SessionFieldWorkerSubmission:
		s.WorkerSubmission = u.Value.(bool)
	case SessionFieldCancelledAt:
		s.CancelledAt = u.Value.(time.Time)
	case SessionFieldClosedAt:
		s.ClosedAt = u.Value.(time.Time)
	case SessionFieldPurgedAt:
		s.PurgedAt = u.Value.(time.Time)
	case SessionFieldDeletedAt:
		s.DeletedAt = u.Value.(time.Time)
	default:
		panic(fmt.Sprintf("unknown session field %d", u.Field))
	}
}
