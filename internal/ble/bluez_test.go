package ble

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

// ====== Connection watch lifecycle ======

func newWatchPeripheral() *bluezPeripheral {
	return &bluezPeripheral{
		address:    "AA:BB:CC:DD:EE:FF",
		devicePath: devicePath("hci0", "AA:BB:CC:DD:EE:FF"),
		done:       make(chan struct{}),
	}
}

func propertiesChanged(path dbus.ObjectPath, props map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: dbusProperties + ".PropertiesChanged",
		Body: []interface{}{bluezDevice1, props, []string{}},
	}
}

func TestWatchLoop_DropClosesDone(t *testing.T) {
	p := newWatchPeripheral()
	signals := make(chan *dbus.Signal, 4)
	exited := make(chan struct{})
	go func() {
		p.watchLoop(signals)
		close(exited)
	}()

	// Unrelated traffic on the shared bus must be ignored.
	signals <- propertiesChanged("/org/bluez/hci0/dev_11_22_33_44_55_66", map[string]dbus.Variant{
		"Connected": dbus.MakeVariant(false),
	})
	signals <- propertiesChanged(p.devicePath, map[string]dbus.Variant{
		"RSSI": dbus.MakeVariant(int16(-60)),
	})
	select {
	case <-p.done:
		t.Fatal("done closed by unrelated signals")
	case <-time.After(20 * time.Millisecond):
	}

	signals <- propertiesChanged(p.devicePath, map[string]dbus.Variant{
		"Connected": dbus.MakeVariant(false),
	})
	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after Connected=false")
	}
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("watch loop still running after connection drop")
	}
}

func TestWatchLoop_ExitsOnDeliberateDisconnect(t *testing.T) {
	p := newWatchPeripheral()
	signals := make(chan *dbus.Signal, 4)
	exited := make(chan struct{})
	go func() {
		p.watchLoop(signals)
		close(exited)
	}()

	// Disconnect closes done without any signal ever arriving; the loop
	// must not stay blocked on the signal channel.
	p.markDone()

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("watch loop still running after Disconnect")
	}
}

func TestConnectionLost(t *testing.T) {
	path := devicePath("hci0", "AA:BB:CC:DD:EE:FF")

	tests := []struct {
		name string
		sig  *dbus.Signal
		want bool
	}{
		{
			name: "connected flips false",
			sig: propertiesChanged(path, map[string]dbus.Variant{
				"Connected": dbus.MakeVariant(false),
			}),
			want: true,
		},
		{
			name: "connected stays true",
			sig: propertiesChanged(path, map[string]dbus.Variant{
				"Connected": dbus.MakeVariant(true),
			}),
			want: false,
		},
		{
			name: "other property",
			sig: propertiesChanged(path, map[string]dbus.Variant{
				"ServicesResolved": dbus.MakeVariant(true),
			}),
			want: false,
		},
		{
			name: "other device",
			sig: propertiesChanged("/org/bluez/hci0/dev_00_00_00_00_00_00", map[string]dbus.Variant{
				"Connected": dbus.MakeVariant(false),
			}),
			want: false,
		},
		{
			name: "other signal name",
			sig:  &dbus.Signal{Path: path, Name: "org.bluez.SomethingElse"},
			want: false,
		},
		{
			name: "truncated body",
			sig:  &dbus.Signal{Path: path, Name: dbusProperties + ".PropertiesChanged", Body: []interface{}{bluezDevice1}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := connectionLost(tt.sig, path); got != tt.want {
				t.Errorf("connectionLost() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ====== Object paths ======

func TestDevicePath(t *testing.T) {
	got := devicePath("hci0", "AA:BB:CC:DD:EE:FF")
	want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	if got != want {
		t.Errorf("devicePath() = %q, want %q", got, want)
	}
}
