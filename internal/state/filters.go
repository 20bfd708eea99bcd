package state

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (f TaskFilter) matches(t Task) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, t.ID) {
		return false
	}
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	if len(f.Statuses) > 0 && !containsString(f.Statuses, t.Status) {
		return false
	}
	if f.PartitionID != "" && t.Options.PartitionID != f.PartitionID {
		return false
	}
	if f.OwnerPodID != "" && t.OwnerPodID != f.OwnerPodID {
		return false
	}
	if f.HasOwner != nil && (t.OwnerPodID != "") != *f.HasOwner {
		return false
	}
	return true
}

func (f ResultFilter) matches(r Result) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, r.ID) {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if len(f.Statuses) > 0 && !containsString(f.Statuses, r.Status) {
		return false
	}
	if f.OwnerTaskID != "" && r.OwnerTaskID != f.OwnerTaskID {
		return false
	}
	if len(f.OwnerTaskIDs) > 0 || f.IncludeUnowned {
		owned := containsString(f.OwnerTaskIDs, r.OwnerTaskID)
		unowned := f.IncludeUnowned && r.OwnerTaskID == ""
		if !owned && !unowned {
			return false
		}
	}
	if f.ManualDeletion != nil && r.ManualDeletion != *f.ManualDeletion {
		return false
	}
	return true
}

func (f SessionFilter) matches(s Session) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, s.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !containsString(f.Statuses, s.Status) {
		return false
	}
	return true
}
