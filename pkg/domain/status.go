package domain

import "strings"

// Status is the lifecycle state reported by the provisioning backend.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus normalises a backend status string. Unknown values are kept as-is.
func ParseStatus(raw string) Status {
	return Status(strings.ToLower(strings.TrimSpace(raw)))
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Known reports whether s is one of the lifecycle states the backend documents.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Label renders the status for humans, e.g. "IN PROGRESS".
func (s Status) Label() string {
	if s == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(strings.ReplaceAll(string(s), "_", " "))
}

func (s Status) String() string {
	return string(s)
}
