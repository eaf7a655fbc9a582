package model

// Stats holds aggregate task counts for a status snapshot.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Blocked    int `json:"blocked"`
	Ready      int `json:"ready"`
}

// StatusSnapshot is a point-in-time view of the task graph. It is fetched
// fresh on every loop iteration and never cached across iterations.
type StatusSnapshot struct {
	Stats             Stats   `json:"stats"`
	InProgress        []*Task `json:"inProgress"`
	Ready             []*Task `json:"ready"`
	Blocked           []*Task `json:"blocked"`
	RecentlyCompleted []*Task `json:"recentlyCompleted"`
}

// Done reports whether every task in a non-empty graph is complete.
func (s *StatusSnapshot) Done() bool {
	return s.Stats.Total > 0 && s.Stats.Pending == 0 && s.Stats.InProgress == 0
}

// Empty reports whether the graph has no tasks at all.
func (s *StatusSnapshot) Empty() bool {
	return s.Stats.Total == 0
}
