package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/swissairdry/airdry-core/internal/infrastructure/database"
)

// setupTestStore creates a file-backed SQLite store in a temp dir with
// the device schema applied.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	schema := `
		CREATE TABLE devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			firmware_version TEXT,
			hardware_version TEXT,
			ip_address TEXT,
			mac_address TEXT,
			ble_address TEXT,
			is_online INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE sensor_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			temperature REAL,
			humidity REAL,
			pressure REAL,
			fan_speed INTEGER,
			power_consumption REAL,
			timestamp TEXT NOT NULL
		);
		CREATE TABLE device_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);
		CREATE TABLE device_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL UNIQUE REFERENCES devices(id) ON DELETE CASCADE,
			mqtt_topic TEXT,
			update_interval INTEGER NOT NULL DEFAULT 60,
			display_type TEXT,
			has_sensors INTEGER NOT NULL DEFAULT 1,
			ota_enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE ota_updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version TEXT NOT NULL,
			device_type TEXT NOT NULL,
			release_date TEXT NOT NULL,
			description TEXT,
			url TEXT NOT NULL,
			md5_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create test schema: %v", err)
	}

	return NewSQLiteStore(db)
}

// testDevice creates a device for testing.
func testDevice(deviceID, name string) *Device {
	fw := "1.2.0"
	ble := "AA:BB:CC:DD:EE:" + deviceID[len(deviceID)-2:]
	return &Device{
		DeviceID:        deviceID,
		Name:            name,
		Type:            TypeStandard,
		FirmwareVersion: &fw,
		BLEAddress:      &ble,
	}
}

// ====== Device CRUD ======

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("creates device successfully", func(t *testing.T) {
		dev := testDevice("dryer-01", "Basement Dryer")

		if err := store.Create(ctx, dev); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if dev.ID == 0 {
			t.Error("Create() did not populate ID")
		}

		got, err := store.GetByDeviceID(ctx, "dryer-01")
		if err != nil {
			t.Fatalf("GetByDeviceID() error = %v", err)
		}
		if got.Name != "Basement Dryer" {
			t.Errorf("Name = %q, want %q", got.Name, "Basement Dryer")
		}
		if got.FirmwareVersion == nil || *got.FirmwareVersion != "1.2.0" {
			t.Errorf("FirmwareVersion = %v, want 1.2.0", got.FirmwareVersion)
		}
		if got.IsOnline {
			t.Error("new device should be offline")
		}
	})

	t.Run("duplicate device_id returns ErrExists", func(t *testing.T) {
		dup := testDevice("dryer-01", "Duplicate")
		err := store.Create(ctx, dup)
		if !errors.Is(err, ErrExists) {
			t.Errorf("Create() error = %v, want ErrExists", err)
		}
	})

	t.Run("unknown device returns ErrNotFound", func(t *testing.T) {
		_, err := store.GetByDeviceID(ctx, "no-such-device")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByDeviceID() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteStore_GetByBLEAddress(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dev := testDevice("dryer-02", "Attic Dryer")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.GetByBLEAddress(ctx, *dev.BLEAddress)
	if err != nil {
		t.Fatalf("GetByBLEAddress() error = %v", err)
	}
	if got.DeviceID != "dryer-02" {
		t.Errorf("DeviceID = %q, want dryer-02", got.DeviceID)
	}

	if _, err := store.GetByBLEAddress(ctx, "00:00:00:00:00:00"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByBLEAddress() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ListAndListWithBLE(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	withBLE := testDevice("dryer-10", "With BLE")
	if err := store.Create(ctx, withBLE); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	noBLE := &Device{DeviceID: "dryer-11", Name: "Broker Only", Type: TypeStandard}
	if err := store.Create(ctx, noBLE); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List() returned %d devices, want 2", len(all))
	}
	if all[0].DeviceID != "dryer-10" || all[1].DeviceID != "dryer-11" {
		t.Errorf("List() not ordered by device_id: %s, %s", all[0].DeviceID, all[1].DeviceID)
	}

	ble, err := store.ListWithBLE(ctx)
	if err != nil {
		t.Fatalf("ListWithBLE() error = %v", err)
	}
	if len(ble) != 1 || ble[0].DeviceID != "dryer-10" {
		t.Errorf("ListWithBLE() = %v, want only dryer-10", ble)
	}
}

func TestSQLiteStore_Update(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dev := testDevice("dryer-20", "Old Name")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dev.Name = "New Name"
	ip := "192.168.1.40"
	dev.IPAddress = &ip
	if err := store.Update(ctx, dev); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.GetByDeviceID(ctx, "dryer-20")
	if err != nil {
		t.Fatalf("GetByDeviceID() error = %v", err)
	}
	if got.Name != "New Name" {
		t.Errorf("Name = %q, want New Name", got.Name)
	}
	if got.IPAddress == nil || *got.IPAddress != "192.168.1.40" {
		t.Errorf("IPAddress = %v, want 192.168.1.40", got.IPAddress)
	}

	missing := testDevice("dryer-99", "Ghost")
	if err := store.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dev := testDevice("dryer-30", "Doomed")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.Delete(ctx, "dryer-30"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.GetByDeviceID(ctx, "dryer-30"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByDeviceID() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "dryer-30"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_SetOnline(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dev := testDevice("dryer-40", "Flapper")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	seen := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	if err := store.SetOnline(ctx, "dryer-40", true, seen); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}

	got, err := store.GetByDeviceID(ctx, "dryer-40")
	if err != nil {
		t.Fatalf("GetByDeviceID() error = %v", err)
	}
	if !got.IsOnline {
		t.Error("IsOnline = false, want true")
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
	}

	if err := store.SetOnline(ctx, "dryer-40", false, seen.Add(time.Minute)); err != nil {
		t.Fatalf("SetOnline(false) error = %v", err)
	}
	got, _ = store.GetByDeviceID(ctx, "dryer-40")
	if got.IsOnline {
		t.Error("IsOnline = true after going offline")
	}

	if err := store.SetOnline(ctx, "ghost", true, seen); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetOnline() unknown device error = %v, want ErrNotFound", err)
	}
}

// ====== Readings and logs ======

func TestSQLiteStore_AppendReading(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dev := testDevice("dryer-50", "Sensing")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	temp := 21.5
	hum := 48.0
	speed := 80
	r := &SensorReading{Temperature: &temp, Humidity: &hum, FanSpeed: &speed}
	if err := store.AppendReading(ctx, "dryer-50", r); err != nil {
		t.Fatalf("AppendReading() error = %v", err)
	}
	if r.ID == 0 {
		t.Error("AppendReading() did not populate ID")
	}
	if r.DeviceID != dev.ID {
		t.Errorf("DeviceID = %d, want %d", r.DeviceID, dev.ID)
	}
	if r.Timestamp.IsZero() {
		t.Error("AppendReading() did not default timestamp")
	}

	if err := store.AppendReading(ctx, "ghost", r); !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendReading() unknown device error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_AppendAndRecentLogs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dev := testDevice("dryer-60", "Chatty")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i, msg := range []string{"boot", "sensors ok", "fan stuck"} {
		level := LogLevelInfo
		if i == 2 {
			level = LogLevelError
		}
		if err := store.AppendLog(ctx, "dryer-60", level, msg); err != nil {
			t.Fatalf("AppendLog(%q) error = %v", msg, err)
		}
	}

	logs, err := store.RecentLogs(ctx, "dryer-60", 2)
	if err != nil {
		t.Fatalf("RecentLogs() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("RecentLogs() returned %d entries, want 2", len(logs))
	}
	if logs[0].Message != "fan stuck" || logs[0].Level != LogLevelError {
		t.Errorf("newest log = %q/%q, want fan stuck/error", logs[0].Message, logs[0].Level)
	}
	if logs[1].Message != "sensors ok" {
		t.Errorf("second log = %q, want sensors ok", logs[1].Message)
	}

	if _, err := store.RecentLogs(ctx, "ghost", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecentLogs() unknown device error = %v, want ErrNotFound", err)
	}
}

// ====== Config ======

func TestSQLiteStore_Config(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	dev := testDevice("dryer-70", "Configured")
	if err := store.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t.Run("missing config returns ErrConfigNotFound", func(t *testing.T) {
		_, err := store.GetConfig(ctx, "dryer-70")
		if !errors.Is(err, ErrConfigNotFound) {
			t.Errorf("GetConfig() error = %v, want ErrConfigNotFound", err)
		}
	})

	t.Run("upsert creates config with defaults", func(t *testing.T) {
		cfg := &DeviceConfig{HasSensors: true, OTAEnabled: true}
		if err := store.UpsertConfig(ctx, "dryer-70", cfg); err != nil {
			t.Fatalf("UpsertConfig() error = %v", err)
		}
		if cfg.UpdateInterval != DefaultUpdateInterval {
			t.Errorf("UpdateInterval = %d, want %d", cfg.UpdateInterval, DefaultUpdateInterval)
		}

		got, err := store.GetConfig(ctx, "dryer-70")
		if err != nil {
			t.Fatalf("GetConfig() error = %v", err)
		}
		if got.UpdateInterval != DefaultUpdateInterval {
			t.Errorf("stored UpdateInterval = %d, want %d", got.UpdateInterval, DefaultUpdateInterval)
		}
		if !got.HasSensors || !got.OTAEnabled {
			t.Error("HasSensors/OTAEnabled not persisted")
		}
	})

	t.Run("upsert replaces existing config", func(t *testing.T) {
		display := "epaper"
		cfg := &DeviceConfig{UpdateInterval: 120, DisplayType: &display, HasSensors: false, OTAEnabled: true}
		if err := store.UpsertConfig(ctx, "dryer-70", cfg); err != nil {
			t.Fatalf("UpsertConfig() error = %v", err)
		}

		got, err := store.GetConfig(ctx, "dryer-70")
		if err != nil {
			t.Fatalf("GetConfig() error = %v", err)
		}
		if got.UpdateInterval != 120 {
			t.Errorf("UpdateInterval = %d, want 120", got.UpdateInterval)
		}
		if got.DisplayType == nil || *got.DisplayType != "epaper" {
			t.Errorf("DisplayType = %v, want epaper", got.DisplayType)
		}
		if got.HasSensors {
			t.Error("HasSensors = true, want false")
		}
	})

	t.Run("unknown device returns ErrNotFound", func(t *testing.T) {
		if err := store.UpsertConfig(ctx, "ghost", &DeviceConfig{}); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpsertConfig() error = %v, want ErrNotFound", err)
		}
	})
}

// ====== DeepCopy ======

func TestDevice_DeepCopy(t *testing.T) {
	fw := "2.0.0"
	seen := time.Now().UTC()
	orig := &Device{DeviceID: "dryer-80", Name: "Original", FirmwareVersion: &fw, LastSeen: &seen}

	clone := orig.DeepCopy()
	*clone.FirmwareVersion = "9.9.9"
	clone.Name = "Mutated"

	if *orig.FirmwareVersion != "2.0.0" {
		t.Errorf("DeepCopy shares FirmwareVersion pointer: %q", *orig.FirmwareVersion)
	}
	if orig.Name != "Original" {
		t.Errorf("DeepCopy shares Name: %q", orig.Name)
	}

	var nilDev *Device
	if nilDev.DeepCopy() != nil {
		t.Error("DeepCopy() of nil should be nil")
	}
}

// ====== OTA updates ======

func TestSQLiteStore_OTAUpdates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("no published image returns ErrNotFound", func(t *testing.T) {
		if _, err := store.ActiveOTAUpdate(ctx, TypeStandard); !errors.Is(err, ErrNotFound) {
			t.Errorf("ActiveOTAUpdate() error = %v, want ErrNotFound", err)
		}
	})

	desc := "adds pressure sensor support"
	older := &OTAUpdate{
		Version:     "1.4.0",
		DeviceType:  TypeStandard,
		ReleaseDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		URL:         "https://updates.example.com/airdry-1.4.0.bin",
		MD5Hash:     "aaaa1111",
		IsActive:    true,
	}
	newer := &OTAUpdate{
		Version:     "1.5.0",
		DeviceType:  TypeStandard,
		ReleaseDate: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		Description: &desc,
		URL:         "https://updates.example.com/airdry-1.5.0.bin",
		MD5Hash:     "bbbb2222",
		IsActive:    true,
	}
	retracted := &OTAUpdate{
		Version:     "1.6.0-rc1",
		DeviceType:  TypeStandard,
		ReleaseDate: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		URL:         "https://updates.example.com/airdry-1.6.0-rc1.bin",
		MD5Hash:     "cccc3333",
		IsActive:    false,
	}
	for _, u := range []*OTAUpdate{older, newer, retracted} {
		if err := store.CreateOTAUpdate(ctx, u); err != nil {
			t.Fatalf("CreateOTAUpdate(%s) error = %v", u.Version, err)
		}
		if u.ID == 0 {
			t.Errorf("CreateOTAUpdate(%s) did not set ID", u.Version)
		}
	}

	t.Run("newest active image wins", func(t *testing.T) {
		got, err := store.ActiveOTAUpdate(ctx, TypeStandard)
		if err != nil {
			t.Fatalf("ActiveOTAUpdate() error = %v", err)
		}
		if got.Version != "1.5.0" {
			t.Errorf("Version = %q, want 1.5.0 (inactive rc must be skipped)", got.Version)
		}
		if got.Description == nil || *got.Description != desc {
			t.Errorf("Description = %v, want %q", got.Description, desc)
		}
		if !got.ReleaseDate.Equal(newer.ReleaseDate) {
			t.Errorf("ReleaseDate = %v, want %v", got.ReleaseDate, newer.ReleaseDate)
		}
	})

	t.Run("other device types see nothing", func(t *testing.T) {
		if _, err := store.ActiveOTAUpdate(ctx, TypePico); !errors.Is(err, ErrNotFound) {
			t.Errorf("ActiveOTAUpdate(pico) error = %v, want ErrNotFound", err)
		}
	})
}
