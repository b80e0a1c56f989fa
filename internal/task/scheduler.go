package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swissairdry/airdry-core/internal/device"
	"github.com/swissairdry/airdry-core/internal/infrastructure/mqtt"
)

// DeviceResolver is the subset of the device store the scheduler needs.
type DeviceResolver interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*device.Device, error)
}

// CommandSender delivers outbound commands; satisfied by the device
// dispatcher.
type CommandSender interface {
	Send(ctx context.Context, cmd device.Command) error
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Scheduler creates task assignments and pushes the start command to
// the device. It also consumes inbound task progress events to keep
// assignment records current.
type Scheduler struct {
	devices    DeviceResolver
	store      Store
	dispatcher CommandSender
	logger     Logger
	now        func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(devices DeviceResolver, store Store, dispatcher CommandSender, logger Logger) *Scheduler {
	return &Scheduler{
		devices:    devices,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Assign schedules a task on a device starting at start (zero start
// means now). The assignment record is persisted before dispatch and
// deliberately kept in the scheduled state when dispatch fails, so
// operators can see and retry stuck assignments instead of losing them.
func (s *Scheduler) Assign(ctx context.Context, deviceID string, taskID int64, start time.Time) (*Assignment, error) {
	dev, err := s.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if start.IsZero() {
		start = s.now()
	}
	start = start.UTC()

	assignment := &Assignment{
		DeviceID:  dev.DeviceID,
		TaskID:    t.ID,
		StartTime: start,
		EndTime:   start.Add(t.Duration()),
		Status:    StatusScheduled,
	}
	if err := s.store.CreateAssignment(ctx, assignment); err != nil {
		return nil, err
	}

	cmd := device.Command{
		DeviceID: dev.DeviceID,
		Channel:  mqtt.ChannelTask,
		Payload:  buildStartPayload(t, assignment),
	}
	if err := s.dispatcher.Send(ctx, cmd); err != nil {
		s.logger.Warn("task dispatch failed, assignment stays scheduled",
			"device_id", dev.DeviceID, "task_id", t.ID,
			"assignment_id", assignment.ID, "error", err)
		return assignment, fmt.Errorf("assignment %d created but not dispatched: %w",
			assignment.ID, err)
	}

	s.logger.Info("task assigned",
		"device_id", dev.DeviceID, "task", t.Name,
		"assignment_id", assignment.ID, "end_time", assignment.EndTime)
	return assignment, nil
}

// buildStartPayload builds the start_task command sent to the device.
func buildStartPayload(t *Task, a *Assignment) map[string]any {
	payload := map[string]any{
		"action":    "start_task",
		"task_id":   t.ID,
		"name":      t.Name,
		"duration":  t.DurationMinutes,
		"fan_speed": t.FanSpeed,
		"timestamp": a.StartTime.Format(time.RFC3339),
	}
	if t.TargetTemp != nil {
		payload["target_temperature"] = *t.TargetTemp
	}
	if t.TargetHumidity != nil {
		payload["target_humidity"] = *t.TargetHumidity
	}
	return payload
}

// RegisterHandlers hooks the scheduler into the event registry for
// task progress reports.
func (s *Scheduler) RegisterHandlers(reg interface {
	Register(pattern string, handler func(topic string, payload any) error) int64
}) {
	reg.Register(mqtt.Topics{}.AllTasks(), s.handleTaskEvent)
}

// handleTaskEvent processes swissairdry/<id>/task progress reports.
// Outbound start commands echo on the same topic; they carry an
// "action" field and are ignored here.
func (s *Scheduler) handleTaskEvent(topic string, payload any) error {
	deviceID, _, ok := mqtt.SplitDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("malformed task topic %q", topic)
	}

	fields, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("task event from %q is not an object", deviceID)
	}
	if _, isCommand := fields["action"]; isCommand {
		return nil
	}

	status, _ := fields["status"].(string)
	if status != "" && !validStatus(status) {
		return fmt.Errorf("task event from %q: %w: %q", deviceID, ErrInvalidStatus, status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assignment, err := s.store.ActiveAssignment(ctx, deviceID)
	if errors.Is(err, ErrAssignmentNotFound) {
		s.logger.Warn("task event for device with no active assignment",
			"device_id", deviceID, "status", status)
		return nil
	}
	if err != nil {
		return err
	}

	if status == "" {
		status = assignment.Status
	}
	if terminal(assignment.Status) {
		return nil
	}

	progress := assignment.Progress
	if f, ok := fields["progress"].(float64); ok {
		progress = clampProgress(int(f))
	}
	if status == StatusCompleted {
		progress = 100
	}

	var notes *string
	if n, ok := fields["notes"].(string); ok && n != "" {
		notes = &n
	} else {
		notes = assignment.Notes
	}

	if err := s.store.UpdateAssignmentProgress(ctx, assignment.ID, status, progress, notes); err != nil {
		return err
	}
	s.logger.Debug("assignment updated",
		"device_id", deviceID, "assignment_id", assignment.ID,
		"status", status, "progress", progress)
	return nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
