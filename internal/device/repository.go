package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swissairdry/airdry-core/internal/infrastructure/database"
)

// Store is the persistence interface for devices and their associated
// telemetry, logs, and configuration.
type Store interface {
	// GetByDeviceID returns the device with the given external ID.
	// Returns ErrNotFound if no such device exists.
	GetByDeviceID(ctx context.Context, deviceID string) (*Device, error)

	// GetByBLEAddress returns the device advertising at the given BLE
	// address. Returns ErrNotFound if no device has that address.
	GetByBLEAddress(ctx context.Context, address string) (*Device, error)

	// List returns all devices ordered by device_id.
	List(ctx context.Context) ([]*Device, error)

	// ListWithBLE returns devices that have a BLE address assigned.
	ListWithBLE(ctx context.Context) ([]*Device, error)

	// Create inserts a new device. Returns ErrExists on device_id collision.
	Create(ctx context.Context, d *Device) error

	// Update replaces the mutable fields of an existing device.
	// Returns ErrNotFound if the device does not exist.
	Update(ctx context.Context, d *Device) error

	// Delete removes a device and its dependent rows.
	Delete(ctx context.Context, deviceID string) error

	// SetOnline updates the online flag and last-seen timestamp.
	SetOnline(ctx context.Context, deviceID string, online bool, seen time.Time) error

	// AppendReading stores one telemetry sample for a device.
	AppendReading(ctx context.Context, deviceID string, r *SensorReading) error

	// AppendLog stores one log line for a device.
	AppendLog(ctx context.Context, deviceID, level, message string) error

	// RecentLogs returns the newest log lines for a device, most recent first.
	RecentLogs(ctx context.Context, deviceID string, limit int) ([]*DeviceLog, error)

	// GetConfig returns the stored config for a device.
	// Returns ErrConfigNotFound when none exists.
	GetConfig(ctx context.Context, deviceID string) (*DeviceConfig, error)

	// UpsertConfig creates or replaces the config for a device.
	UpsertConfig(ctx context.Context, deviceID string, cfg *DeviceConfig) error

	// CreateOTAUpdate records a published firmware image.
	CreateOTAUpdate(ctx context.Context, u *OTAUpdate) error

	// ActiveOTAUpdate returns the newest active firmware image for a
	// device type. Returns ErrNotFound when none is published.
	ActiveOTAUpdate(ctx context.Context, deviceType string) (*OTAUpdate, error)
}

// SQLiteStore implements Store backed by the shared SQLite database.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore creates a device store using the given database.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const deviceColumns = `id, device_id, name, type, firmware_version, hardware_version,
	ip_address, mac_address, ble_address, is_online, last_seen, created_at, updated_at`

// GetByDeviceID returns the device with the given external ID.
func (s *SQLiteStore) GetByDeviceID(ctx context.Context, deviceID string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = ?`
	row := s.db.QueryRowContext(ctx, query, deviceID)

	d, err := scanDeviceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device %q: %w", deviceID, err)
	}
	return d, nil
}

// GetByBLEAddress returns the device advertising at the given BLE address.
func (s *SQLiteStore) GetByBLEAddress(ctx context.Context, address string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE ble_address = ?`
	row := s.db.QueryRowContext(ctx, query, address)

	d, err := scanDeviceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ble address %q: %w", address, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device by ble address %q: %w", address, err)
	}
	return d, nil
}

// List returns all devices ordered by device_id.
func (s *SQLiteStore) List(ctx context.Context) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY device_id`
	return s.queryDevices(ctx, query)
}

// ListWithBLE returns devices that have a BLE address assigned.
func (s *SQLiteStore) ListWithBLE(ctx context.Context) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE ble_address IS NOT NULL ORDER BY device_id`
	return s.queryDevices(ctx, query)
}

func (s *SQLiteStore) queryDevices(ctx context.Context, query string, args ...any) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device rows: %w", err)
	}
	return devices, nil
}

// Create inserts a new device.
func (s *SQLiteStore) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	query := `INSERT INTO devices (device_id, name, type, firmware_version,
		hardware_version, ip_address, mac_address, ble_address, is_online,
		last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		d.DeviceID, d.Name, d.Type,
		nullableString(d.FirmwareVersion), nullableString(d.HardwareVersion),
		nullableString(d.IPAddress), nullableString(d.MACAddress),
		nullableString(d.BLEAddress), boolToInt(d.IsOnline),
		nullableTime(d.LastSeen),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("device %q: %w", d.DeviceID, ErrExists)
		}
		return fmt.Errorf("failed to create device %q: %w", d.DeviceID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get device insert id: %w", err)
	}
	d.ID = id
	return nil
}

// Update replaces the mutable fields of an existing device.
func (s *SQLiteStore) Update(ctx context.Context, d *Device) error {
	now := time.Now().UTC()

	query := `UPDATE devices SET name = ?, type = ?, firmware_version = ?,
		hardware_version = ?, ip_address = ?, mac_address = ?, ble_address = ?,
		is_online = ?, last_seen = ?, updated_at = ?
		WHERE device_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		d.Name, d.Type,
		nullableString(d.FirmwareVersion), nullableString(d.HardwareVersion),
		nullableString(d.IPAddress), nullableString(d.MACAddress),
		nullableString(d.BLEAddress), boolToInt(d.IsOnline),
		nullableTime(d.LastSeen), now.Format(time.RFC3339),
		d.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update device %q: %w", d.DeviceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("device %q: %w", d.DeviceID, ErrNotFound)
	}
	d.UpdatedAt = now
	return nil
}

// Delete removes a device and its dependent rows.
func (s *SQLiteStore) Delete(ctx context.Context, deviceID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device %q: %w", deviceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	return nil
}

// SetOnline updates the online flag and last-seen timestamp.
func (s *SQLiteStore) SetOnline(ctx context.Context, deviceID string, online bool, seen time.Time) error {
	query := `UPDATE devices SET is_online = ?, last_seen = ?, updated_at = ?
		WHERE device_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		boolToInt(online),
		seen.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to set online state for %q: %w", deviceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	return nil
}

// AppendReading stores one telemetry sample for a device.
func (s *SQLiteStore) AppendReading(ctx context.Context, deviceID string, r *SensorReading) error {
	dbID, err := s.resolveID(ctx, deviceID)
	if err != nil {
		return err
	}

	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	query := `INSERT INTO sensor_readings (device_id, temperature, humidity,
		pressure, fan_speed, power_consumption, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		dbID,
		nullableFloat(r.Temperature), nullableFloat(r.Humidity),
		nullableFloat(r.Pressure), nullableInt(r.FanSpeed),
		nullableFloat(r.PowerConsumption),
		r.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append reading for %q: %w", deviceID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get reading insert id: %w", err)
	}
	r.ID = id
	r.DeviceID = dbID
	return nil
}

// AppendLog stores one log line for a device.
func (s *SQLiteStore) AppendLog(ctx context.Context, deviceID, level, message string) error {
	dbID, err := s.resolveID(ctx, deviceID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_logs (device_id, level, message, timestamp) VALUES (?, ?, ?, ?)`,
		dbID, level, message, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append log for %q: %w", deviceID, err)
	}
	return nil
}

// RecentLogs returns the newest log lines for a device, most recent first.
func (s *SQLiteStore) RecentLogs(ctx context.Context, deviceID string, limit int) ([]*DeviceLog, error) {
	dbID, err := s.resolveID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, level, message, timestamp FROM device_logs
		WHERE device_id = ? ORDER BY id DESC LIMIT ?`, dbID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs for %q: %w", deviceID, err)
	}
	defer rows.Close()

	var logs []*DeviceLog
	for rows.Next() {
		var (
			l  DeviceLog
			ts string
		)
		if err := rows.Scan(&l.ID, &l.DeviceID, &l.Level, &l.Message, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		l.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log timestamp: %w", err)
		}
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log rows: %w", err)
	}
	return logs, nil
}

// GetConfig returns the stored config for a device.
func (s *SQLiteStore) GetConfig(ctx context.Context, deviceID string) (*DeviceConfig, error) {
	dbID, err := s.resolveID(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, device_id, mqtt_topic, update_interval, display_type,
		has_sensors, ota_enabled, created_at, updated_at
		FROM device_configs WHERE device_id = ?`
	row := s.db.QueryRowContext(ctx, query, dbID)

	var (
		cfg                  DeviceConfig
		mqttTopic, display   sql.NullString
		hasSensors, otaFlag  int
		createdAt, updatedAt string
	)
	err = row.Scan(&cfg.ID, &cfg.DeviceID, &mqttTopic, &cfg.UpdateInterval,
		&display, &hasSensors, &otaFlag, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrConfigNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config for %q: %w", deviceID, err)
	}

	if mqttTopic.Valid {
		cfg.MQTTTopic = &mqttTopic.String
	}
	if display.Valid {
		cfg.DisplayType = &display.String
	}
	cfg.HasSensors = hasSensors != 0
	cfg.OTAEnabled = otaFlag != 0
	if cfg.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse config created_at: %w", err)
	}
	if cfg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse config updated_at: %w", err)
	}
	return &cfg, nil
}

// UpsertConfig creates or replaces the config for a device.
func (s *SQLiteStore) UpsertConfig(ctx context.Context, deviceID string, cfg *DeviceConfig) error {
	dbID, err := s.resolveID(ctx, deviceID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}

	query := `INSERT INTO device_configs (device_id, mqtt_topic, update_interval,
		display_type, has_sensors, ota_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			mqtt_topic = excluded.mqtt_topic,
			update_interval = excluded.update_interval,
			display_type = excluded.display_type,
			has_sensors = excluded.has_sensors,
			ota_enabled = excluded.ota_enabled,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		dbID, nullableString(cfg.MQTTTopic), cfg.UpdateInterval,
		nullableString(cfg.DisplayType), boolToInt(cfg.HasSensors),
		boolToInt(cfg.OTAEnabled),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert config for %q: %w", deviceID, err)
	}
	cfg.DeviceID = dbID
	return nil
}

// CreateOTAUpdate records a published firmware image.
func (s *SQLiteStore) CreateOTAUpdate(ctx context.Context, u *OTAUpdate) error {
	if u.ReleaseDate.IsZero() {
		u.ReleaseDate = time.Now().UTC()
	}

	query := `INSERT INTO ota_updates (version, device_type, release_date,
		description, url, md5_hash, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		u.Version, u.DeviceType, u.ReleaseDate.UTC().Format(time.RFC3339),
		nullableString(u.Description), u.URL, u.MD5Hash, boolToInt(u.IsActive),
	)
	if err != nil {
		return fmt.Errorf("failed to create ota update %q: %w", u.Version, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get ota update insert id: %w", err)
	}
	u.ID = id
	return nil
}

// ActiveOTAUpdate returns the newest active firmware image for a device type.
func (s *SQLiteStore) ActiveOTAUpdate(ctx context.Context, deviceType string) (*OTAUpdate, error) {
	query := `SELECT id, version, device_type, release_date, description,
		url, md5_hash, is_active
		FROM ota_updates
		WHERE device_type = ? AND is_active = 1
		ORDER BY release_date DESC, id DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, deviceType)

	var (
		u           OTAUpdate
		releaseDate string
		description sql.NullString
		isActive    int
	)
	err := row.Scan(&u.ID, &u.Version, &u.DeviceType, &releaseDate,
		&description, &u.URL, &u.MD5Hash, &isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ota update for type %q: %w", deviceType, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ota update for type %q: %w", deviceType, err)
	}

	if description.Valid {
		u.Description = &description.String
	}
	u.IsActive = isActive != 0
	if u.ReleaseDate, err = time.Parse(time.RFC3339, releaseDate); err != nil {
		return nil, fmt.Errorf("failed to parse ota release_date: %w", err)
	}
	return &u, nil
}

// resolveID maps an external device_id to the numeric primary key.
func (s *SQLiteStore) resolveID(ctx context.Context, deviceID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM devices WHERE device_id = ?`, deviceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve device %q: %w", deviceID, err)
	}
	return id, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviceRow(row rowScanner) (*Device, error) {
	var (
		d                                  Device
		firmware, hardware, ip, mac, ble   sql.NullString
		isOnline                           int
		lastSeen                           sql.NullString
		createdAt, updatedAt               string
	)

	err := row.Scan(&d.ID, &d.DeviceID, &d.Name, &d.Type,
		&firmware, &hardware, &ip, &mac, &ble,
		&isOnline, &lastSeen, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if firmware.Valid {
		d.FirmwareVersion = &firmware.String
	}
	if hardware.Valid {
		d.HardwareVersion = &hardware.String
	}
	if ip.Valid {
		d.IPAddress = &ip.String
	}
	if mac.Valid {
		d.MACAddress = &mac.String
	}
	if ble.Valid {
		d.BLEAddress = &ble.String
	}
	d.IsOnline = isOnline != 0

	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_seen: %w", err)
		}
		d.LastSeen = &t
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &d, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
