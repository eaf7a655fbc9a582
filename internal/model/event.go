package model

import "time"

// Category classifies a log entry.
type Category string

const (
	CategoryInfo    Category = "info"
	CategorySuccess Category = "success"
	CategoryWarning Category = "warning"
	CategoryError   Category = "error"
)

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// IsValid checks whether the category is a known value.
func (c Category) IsValid() bool {
	switch c {
	case CategoryInfo, CategorySuccess, CategoryWarning, CategoryError:
		return true
	}
	return false
}

// LogEntry is a single status message produced by the loop or the worker.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
}

// OutputEvent is a raw chunk of worker output. Chunks carry no line
// semantics and may split mid-line.
type OutputEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}
