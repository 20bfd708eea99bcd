package state

// Projections restrict which fields of a listed document come back populated.
// Names follow the exported struct fields, the same vocabulary used by watch
// ChangedFields and Page.OrderField. A nil or empty projection returns full
// documents; ID and SessionID are always kept so callers can correlate rows.

func projectTasks(tasks []Task, fields []string) []Task {
	if len(fields) == 0 {
		return tasks
	}
	for i, t := range tasks {
		tasks[i] = projectTask(t, fields)
	}
	return tasks
}

func projectTask(t Task, fields []string) Task {
	out := Task{ID: t.ID, SessionID: t.SessionID}
	for _, f := range fields {
		switch f {
		case "Status":
			out.Status = t.Status
		case "OwnerPodID":
			out.OwnerPodID = t.OwnerPodID
		case "OwnerPodName":
			out.OwnerPodName = t.OwnerPodName
		case "ParentTaskIDs":
			out.ParentTaskIDs = t.ParentTaskIDs
		case "DataDependencies":
			out.DataDependencies = t.DataDependencies
		case "ExpectedOutputIDs":
			out.ExpectedOutputIDs = t.ExpectedOutputIDs
		case "InitialTaskID":
			out.InitialTaskID = t.InitialTaskID
		case "RetryOfIDs":
			out.RetryOfIDs = t.RetryOfIDs
		case "Options":
			out.Options = t.Options
		case "Output":
			out.Output = t.Output
		case "CreatedAt":
			out.CreatedAt = t.CreatedAt
		case "SubmittedAt":
			out.SubmittedAt = t.SubmittedAt
		case "ReceivedAt":
			out.ReceivedAt = t.ReceivedAt
		case "AcquiredAt":
			out.AcquiredAt = t.AcquiredAt
		case "StartedAt":
			out.StartedAt = t.StartedAt
		case "ProcessedAt":
			out.ProcessedAt = t.ProcessedAt
		case "EndedAt":
			out.EndedAt = t.EndedAt
		}
	}
	return out
}

func projectResults(results []Result, fields []string) []Result {
	if len(fields) == 0 {
		return results
	}
	for i, r := range results {
		results[i] = projectResult(r, fields)
	}
	return results
}

func projectResult(r Result, fields []string) Result {
	out := Result{ID: r.ID, SessionID: r.SessionID}
	for _, f := range fields {
		switch f {
		case "Name":
			out.Name = r.Name
		case "CreatedBy":
			out.CreatedBy = r.CreatedBy
		case "OwnerTaskID":
			out.OwnerTaskID = r.OwnerTaskID
		case "Status":
			out.Status = r.Status
		case "DependentTasks":
			out.DependentTasks = r.DependentTasks
		case "CreatedAt":
			out.CreatedAt = r.CreatedAt
		case "CompletedAt":
			out.CompletedAt = r.CompletedAt
		case "Size":
			out.Size = r.Size
		case "OpaqueID":
			out.OpaqueID = r.OpaqueID
		case "ManualDeletion":
			out.ManualDeletion = r.ManualDeletion
		}
	}
	return out
}
