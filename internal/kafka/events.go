package kafka

import (
	"time"

	"plot-stats/internal/database"
)

const (
	EventScanRequested   = "scan_requested"
	EventScheduleChanged = "schedule_changed"
	EventScanCompleted   = "scan_completed"
	EventScanFailed      = "scan_failed"
)

type ScanRequestedEvent struct {
	EventType string                 `json:"event_type"`
	URL       string                 `json:"url"`
	Schedule  *database.ScheduleSpec `json:"schedule,omitempty"`
	ChatID    int64                  `json:"chat_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ScheduleChangedEvent carries the new schedule; a nil Schedule removes it.
type ScheduleChangedEvent struct {
	EventType string                 `json:"event_type"`
	SearchID  uint                   `json:"search_id"`
	URL       string                 `json:"url"`
	Schedule  *database.ScheduleSpec `json:"schedule"`
	Timestamp time.Time              `json:"timestamp"`
}

type ScanCompletedEvent struct {
	EventType     string    `json:"event_type"`
	SearchID      uint      `json:"search_id"`
	SearchEventID uint      `json:"search_event_id"`
	URL           string    `json:"url"`
	Pages         int       `json:"pages"`
	TotalPages    int       `json:"total_pages"`
	Prices        int       `json:"prices"`
	Partial       bool      `json:"partial"`
	Timestamp     time.Time `json:"timestamp"`
}

type ScanFailedEvent struct {
	EventType  string    `json:"event_type"`
	SearchID   *uint     `json:"search_id"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Timestamp  time.Time `json:"timestamp"`
}
