package task

import "time"

// Task is a reusable drying program: a named duration plus the fan and
// climate parameters to apply while it runs.
type Task struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Description     *string   `json:"description,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	FanSpeed        int       `json:"fan_speed"`
	TargetTemp      *float64  `json:"target_temperature,omitempty"`
	TargetHumidity  *float64  `json:"target_humidity,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Duration returns the task length as a time.Duration.
func (t *Task) Duration() time.Duration {
	return time.Duration(t.DurationMinutes) * time.Minute
}

// Assignment is one scheduled application of a task to a device.
// EndTime is always StartTime plus the task duration at assignment
// time; later edits to the task do not move existing windows.
type Assignment struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	TaskID    int64     `json:"task_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Notes     *string   `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Assignment lifecycle states.
const (
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validStatus reports whether s is a known assignment state.
func validStatus(s string) bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// terminal reports whether an assignment in state s can still change.
func terminal(s string) bool {
	return s == StatusCompleted || s == StatusFailed
}
