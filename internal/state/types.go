package state

import "time"

// Session statuses. Transitions follow a DAG: Running and Paused flip back
// and forth, either can move to Cancelled or Closed, those can move to
// Purged, and anything can move to Deleted (terminal).
const (
	SessionRunning   = "Running"
	SessionPaused    = "Paused"
	SessionCancelled = "Cancelled"
	SessionClosed    = "Closed"
	SessionPurged    = "Purged"
	SessionDeleted   = "Deleted"
)

// Task statuses. Monotonic except for retry, which creates a new task id.
const (
	TaskCreating   = "Creating"
	TaskPending    = "Pending"
	TaskPaused     = "Paused"
	TaskSubmitted  = "Submitted"
	TaskDispatched = "Dispatched"
	TaskProcessing = "Processing"
	TaskCompleted  = "Completed"
	TaskError      = "Error"
	TaskTimeout    = "Timeout"
	TaskCancelling = "Cancelling"
	TaskCancelled  = "Cancelled"
	TaskRetried    = "Retried"
)

// Result statuses.
const (
	ResultCreated     = "Created"
	ResultCompleted   = "Completed"
	ResultAborted     = "Aborted"
	ResultDeletedData = "DeletedData"
)

// TaskOptions are per-task execution parameters. Zero values mean "inherit
// from the session defaults" when a task is submitted.
type TaskOptions struct {
	PartitionID     string
	Priority        int
	MaxRetries      int
	MaxDuration     time.Duration
	ApplicationName string
	EngineType      string
}

// Merge overlays explicit values from o onto defaults.
func (o TaskOptions) Merge(defaults TaskOptions) TaskOptions {
	out := o
	if out.PartitionID == "" {
		out.PartitionID = defaults.PartitionID
	}
	if out.Priority == 0 {
		out.Priority = defaults.Priority
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = defaults.MaxRetries
	}
	if out.MaxDuration == 0 {
		out.MaxDuration = defaults.MaxDuration
	}
	if out.ApplicationName == "" {
		out.ApplicationName = defaults.ApplicationName
	}
	if out.EngineType == "" {
		out.EngineType = defaults.EngineType
	}
	return out
}

type Session struct {
	ID                 string
	Status             string
	ClientSubmission   bool
	WorkerSubmission   bool
	PartitionIDs       []string
	DefaultTaskOptions TaskOptions
	CreatedAt          time.Time
	CancelledAt        time.Time
	ClosedAt           time.Time
	PurgedAt           time.Time
	DeletedAt          time.Time
}

// Output records how a task ended. Error is empty on success.
type Output struct {
	Success bool
	Error   string
}

type Task struct {
	ID                string
	SessionID         string
	OwnerPodID        string
	OwnerPodName      string
	ParentTaskIDs     []string
	DataDependencies  []string
	ExpectedOutputIDs []string
	InitialTaskID     string
	RetryOfIDs        []string
	Status            string
	Options           TaskOptions
	CreatedAt         time.Time
	SubmittedAt       time.Time
	ReceivedAt        time.Time
	AcquiredAt        time.Time
	StartedAt         time.Time
	ProcessedAt       time.Time
	EndedAt           time.Time
	Output            Output
}

type Result struct {
	ID             string
	SessionID      string
	Name           string
	CreatedBy      string
	OwnerTaskID    string
	Status         string
	DependentTasks []string
	CreatedAt      time.Time
	CompletedAt    time.Time
	Size           int64
	OpaqueID       []byte
	ManualDeletion bool
}

type Partition struct {
	ID                   string
	ParentPartitionIDs   []string
	PodReserved          int
	PodMax               int
	PreemptionPercentage int
	Priority             int
	PodConfiguration     map[string]string
}

// QueueMessage is one entry of the locked queue. OwnerID/OwnedUntil form the
// lease: the message is claimable iff OwnedUntil is zero or in the past.
type QueueMessage struct {
	MessageID      string
	TaskID         string
	PartitionID    string
	Priority       int
	SubmissionDate time.Time
	OwnerID        string
	OwnedUntil     time.Time
}

type StatusCount struct {
	Status string
	Count  int
}

type PartitionStatusCount struct {
	PartitionID string
	Status      string
	Count       int
}

// Page describes pagination for list calls. PageSize 0 means count only.
type Page struct {
	Page       int
	PageSize   int
	OrderField string
	AscOrder   bool
}

// TaskFilter selects tasks; zero-valued fields are ignored. All set fields
// are ANDed together.
type TaskFilter struct {
	IDs         []string
	SessionID   string
	Statuses    []string
	PartitionID string
	OwnerPodID  string
	// HasOwner restricts on whether OwnerPodID is set. nil means no restriction.
	HasOwner *bool
}

type ResultFilter struct {
	IDs         []string
	SessionID   string
	Statuses    []string
	OwnerTaskID string
	// OwnerTaskIDs restricts the owner to one of the given tasks, or,
	// when IncludeUnowned is also set, to results with no owner at all.
	OwnerTaskIDs   []string
	IncludeUnowned bool
	ManualDeletion *bool
}

type SessionFilter struct {
	IDs      []string
	Statuses []string
}

// ResultOwnership assigns one result to the task responsible for producing it.
type ResultOwnership struct {
	ResultID string
	TaskID   string
}

// OwnershipTransfer moves a batch of results from their current owner to a
// new one.
type OwnershipTransfer struct {
	ResultIDs []string
	NewTaskID string
}
