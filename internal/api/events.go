package api

import "time"

// Timeline event categories.
const (
	CategoryStage     = "stage"
	CategoryExecution = "execution"
	CategoryInfo      = "info"
	CategoryWarning   = "warning"
	CategoryError     = "error"
)

// TimelineEvent is one entry in the dashboard's activity feed.
type TimelineEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Category  string            `json:"category"` // stage, execution, info, warning, error
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DashboardEvent wraps everything pushed over the WebSocket.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot" or "timeline"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewStageEvent records a lifecycle stage transition.
func NewStageEvent(stage string) TimelineEvent {
	return TimelineEvent{
		Timestamp: time.Now(),
		Category:  CategoryStage,
		Message:   "stage: " + stage,
		Metadata:  map[string]string{"stage": stage},
	}
}

// NewExecutionEvent records an order-flow action (open, close, rollback).
func NewExecutionEvent(message string, metadata map[string]string) TimelineEvent {
	return TimelineEvent{
		Timestamp: time.Now(),
		Category:  CategoryExecution,
		Message:   message,
		Metadata:  metadata,
	}
}

// NewInfoEvent records a notable but routine action.
func NewInfoEvent(message string, metadata map[string]string) TimelineEvent {
	return TimelineEvent{Timestamp: time.Now(), Category: CategoryInfo, Message: message, Metadata: metadata}
}

// NewWarningEvent records a recoverable anomaly.
func NewWarningEvent(message string, metadata map[string]string) TimelineEvent {
	return TimelineEvent{Timestamp: time.Now(), Category: CategoryWarning, Message: message, Metadata: metadata}
}

// NewErrorEvent records a failure needing operator attention.
func NewErrorEvent(message string, metadata map[string]string) TimelineEvent {
	return TimelineEvent{Timestamp: time.Now(), Category: CategoryError, Message: message, Metadata: metadata}
}
