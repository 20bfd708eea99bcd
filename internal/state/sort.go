package state

import "sort"

func sortTasks(tasks []Task, orderField string, asc bool) {
	less := func(a, b Task) bool { return a.ID < b.ID }
	switch orderField {
	case "CreatedAt":
		less = func(a, b Task) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case "SubmittedAt":
		less = func(a, b Task) bool { return a.SubmittedAt.Before(b.SubmittedAt) }
	case "Status":
		less = func(a, b Task) bool { return a.Status < b.Status }
	case "SessionID":
		less = func(a, b Task) bool { return a.SessionID < b.SessionID }
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if asc {
			return less(tasks[i], tasks[j])
		}
		return less(tasks[j], tasks[i])
	})
}

func sortResults(results []Result, orderField string, asc bool) {
	less := func(a, b Result) bool { return a.ID < b.ID }
	switch orderField {
	case "CreatedAt":
		less = func(a, b Result) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case "CompletedAt":
		less = func(a, b Result) bool { return a.CompletedAt.Before(b.CompletedAt) }
	case "Name":
		less = func(a, b Result) bool { return a.Name < b.Name }
	case "Status":
		less = func(a, b Result) bool { return a.Status < b.Status }
	}
	sort.SliceStable(results, func(i, j int) bool {
		if asc {
			return less(results[i], results[j])
		}
		return less(results[j], results[i])
	})
}

func sortSessions(sessions []Session, orderField string, asc bool) {
	less := func(a, b Session) bool { return a.ID < b.ID }
	switch orderField {
	case "CreatedAt":
		less = func(a, b Session) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case "Status":
		less = func(a, b Session) bool { return a.Status < b.Status }
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if asc {
			return less(sessions[i], sessions[j])
		}
		return less(sessions[j], sessions[i])
	})
}

func sortPartitions(partitions []Partition, asc bool) {
	sort.SliceStable(partitions, func(i, j int) bool {
		if asc {
			return partitions[i].ID < partitions[j].ID
		}
		return partitions[j].ID < partitions[i].ID
	})
}

func sortPartitionCounts(counts []PartitionStatusCount) {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].PartitionID != counts[j].PartitionID {
			return counts[i].PartitionID < counts[j].PartitionID
		}
		return counts[i].Status < counts[j].Status
	})
}

func statusCounts(byStatus map[string]int) []StatusCount {
	out := make([]StatusCount, 0, len(byStatus))
	for status, n := range byStatus {
		out = append(out, StatusCount{Status: status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out
}
