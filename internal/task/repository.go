package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/swissairdry/airdry-core/internal/infrastructure/database"
)

// Store is the persistence interface for tasks and assignments.
// Assignments reference devices by their external device_id string;
// the store resolves that to the devices table internally.
type Store interface {
	// GetTask returns the task with the given id.
	// Returns ErrTaskNotFound if no such task exists.
	GetTask(ctx context.Context, id int64) (*Task, error)

	// ListTasks returns all tasks ordered by name.
	ListTasks(ctx context.Context) ([]*Task, error)

	// CreateTask inserts a new task and populates its ID.
	CreateTask(ctx context.Context, t *Task) error

	// CreateAssignment inserts a new assignment and populates its ID.
	CreateAssignment(ctx context.Context, a *Assignment) error

	// GetAssignment returns the assignment with the given id.
	GetAssignment(ctx context.Context, id int64) (*Assignment, error)

	// ListAssignments returns all assignments for a device, newest first.
	ListAssignments(ctx context.Context, deviceID string) ([]*Assignment, error)

	// ActiveAssignment returns the newest non-terminal assignment for a
	// device. Returns ErrAssignmentNotFound when none is active.
	ActiveAssignment(ctx context.Context, deviceID string) (*Assignment, error)

	// UpdateAssignmentProgress updates the status, progress, and notes
	// of an assignment.
	UpdateAssignmentProgress(ctx context.Context, id int64, status string, progress int, notes *string) error
}

// SQLiteStore implements Store backed by the shared SQLite database.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore creates a task store using the given database.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const taskColumns = `id, name, description, duration_minutes, fan_speed,
	target_temperature, target_humidity, created_at`

// GetTask returns the task with the given id.
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return t, nil
}

// ListTasks returns all tasks ordered by name.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return tasks, nil
}

// CreateTask inserts a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	t.CreatedAt = now

	query := `INSERT INTO tasks (name, description, duration_minutes, fan_speed,
		target_temperature, target_humidity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		t.Name, nullableString(t.Description), t.DurationMinutes, t.FanSpeed,
		nullableFloat(t.TargetTemp), nullableFloat(t.TargetHumidity),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create task %q: %w", t.Name, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get task insert id: %w", err)
	}
	t.ID = id
	return nil
}

const assignmentColumns = `a.id, d.device_id, a.task_id, a.start_time, a.end_time,
	a.status, a.progress, a.notes, a.created_at, a.updated_at`

const assignmentJoin = `FROM task_assignments a JOIN devices d ON d.id = a.device_id`

// CreateAssignment inserts a new assignment.
func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	dbID, err := s.resolveDeviceID(ctx, a.DeviceID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = StatusScheduled
	}

	query := `INSERT INTO task_assignments (device_id, task_id, start_time,
		end_time, status, progress, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		dbID, a.TaskID,
		a.StartTime.UTC().Format(time.RFC3339), a.EndTime.UTC().Format(time.RFC3339),
		a.Status, a.Progress, nullableString(a.Notes),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create assignment for %q: %w", a.DeviceID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get assignment insert id: %w", err)
	}
	a.ID = id
	return nil
}

// GetAssignment returns the assignment with the given id.
func (s *SQLiteStore) GetAssignment(ctx context.Context, id int64) (*Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` ` + assignmentJoin + ` WHERE a.id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	a, err := scanAssignmentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %d: %w", id, ErrAssignmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment %d: %w", id, err)
	}
	return a, nil
}

// ListAssignments returns all assignments for a device, newest first.
func (s *SQLiteStore) ListAssignments(ctx context.Context, deviceID string) ([]*Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` ` + assignmentJoin + `
		WHERE d.device_id = ? ORDER BY a.id DESC`
	rows, err := s.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments for %q: %w", deviceID, err)
	}
	defer rows.Close()

	var assignments []*Assignment
	for rows.Next() {
		a, err := scanAssignmentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment row: %w", err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assignment rows: %w", err)
	}
	return assignments, nil
}

// ActiveAssignment returns the newest non-terminal assignment for a device.
func (s *SQLiteStore) ActiveAssignment(ctx context.Context, deviceID string) (*Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` ` + assignmentJoin + `
		WHERE d.device_id = ? AND a.status IN (?, ?)
		ORDER BY a.id DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, deviceID, StatusScheduled, StatusRunning)

	a, err := scanAssignmentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrAssignmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active assignment for %q: %w", deviceID, err)
	}
	return a, nil
}

// UpdateAssignmentProgress updates the status, progress, and notes of
// an assignment.
func (s *SQLiteStore) UpdateAssignmentProgress(ctx context.Context, id int64, status string, progress int, notes *string) error {
	if !validStatus(status) {
		return fmt.Errorf("status %q: %w", status, ErrInvalidStatus)
	}

	query := `UPDATE task_assignments SET status = ?, progress = ?, notes = ?, updated_at = ?
		WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query,
		status, progress, nullableString(notes),
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update assignment %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("assignment %d: %w", id, ErrAssignmentNotFound)
	}
	return nil
}

// resolveDeviceID maps an external device_id to the numeric primary key.
func (s *SQLiteStore) resolveDeviceID(ctx context.Context, deviceID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM devices WHERE device_id = ?`, deviceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("device %q: %w", deviceID, ErrAssignmentNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve device %q: %w", deviceID, err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row rowScanner) (*Task, error) {
	var (
		t           Task
		description sql.NullString
		temp, hum   sql.NullFloat64
		createdAt   string
	)
	err := row.Scan(&t.ID, &t.Name, &description, &t.DurationMinutes,
		&t.FanSpeed, &temp, &hum, &createdAt)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		t.Description = &description.String
	}
	if temp.Valid {
		t.TargetTemp = &temp.Float64
	}
	if hum.Valid {
		t.TargetHumidity = &hum.Float64
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &t, nil
}

func scanAssignmentRow(row rowScanner) (*Assignment, error) {
	var (
		a                              Assignment
		notes                          sql.NullString
		start, end, createdAt, updated string
	)
	err := row.Scan(&a.ID, &a.DeviceID, &a.TaskID, &start, &end,
		&a.Status, &a.Progress, &notes, &createdAt, &updated)
	if err != nil {
		return nil, err
	}

	if notes.Valid {
		a.Notes = &notes.String
	}
	if a.StartTime, err = time.Parse(time.RFC3339, start); err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}
	if a.EndTime, err = time.Parse(time.RFC3339, end); err != nil {
		return nil, fmt.Errorf("failed to parse end_time: %w", err)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &a, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
