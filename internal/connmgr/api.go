// Package connmgr prepares RFCOMM SPP sockets through BlueZ over D-Bus:
// adapter inspection, SPP profile registration, discovery snapshots and
// outgoing/incoming connections handed to the caller as Unix FDs.
//
// Thread-safety: Close is safe to call concurrently and is idempotent.
// Accept may run concurrently with the other methods. Connect calls are
// serialized internally, one outgoing connection at a time.
package connmgr

import (
	"context"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint8 = 22
)

// Device represents the minimum information needed to display and connect.
//
// Path is required (BlueZ Device1 object path as string). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
	Path  string // D-Bus object path, e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX
	MAC   string // Device1.Address
	Name  string // Device1.Name
	Alias string // Device1.Alias
	RSSI  int16  // Device1.RSSI, zero when unknown
}

// DisplayName prefers the user-visible alias.
func (d Device) DisplayName() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Name != "":
		return d.Name
	}
	return d.MAC
}

// Adapter describes the local BlueZ adapter.
type Adapter struct {
	Path    string
	Address string
	Alias   string
	Powered bool
}

// ServerOptions controls server-side profile registration.
type ServerOptions struct {
	// ServiceName is required and will be used for RegisterProfile options["Name"].
	ServiceName string
	// Channel overrides DefaultRFCOMMChannel when non-zero.
	Channel uint8
}

// Mgr is the single public interface for discovery and connections.
// Responsibilities end at preparing FDs for the caller; reconnect is out of scope.
type Mgr interface {
	// Adapter returns the first BlueZ adapter. It fails when bluetoothd is
	// not reachable or no adapter is present.
	Adapter(ctx context.Context) (Adapter, error)

	// SetAlias sets the user-visible name of the adapter.
	SetAlias(ctx context.Context, alias string) error

	// StartServer registers an SPP profile (Role="server"). Calling it more
	// than once returns an error. If the RFCOMM channel is already in use,
	// an error is returned.
	StartServer(ctx context.Context, opts ServerOptions) error

	// Accept blocks until the next incoming connection or until ctx is done.
	// It may be called repeatedly. The returned FD is owned by the caller,
	// who should wrap it with os.NewFile(uintptr(fd), "rfcomm").
	// Connections arriving while nobody accepts are queued briefly, then
	// rejected and closed.
	Accept(ctx context.Context) (fd int, remote Device, err error)

	// ScanSPP runs discovery until ctx is done and returns the devices
	// advertising SPPUUID. Each returned Device has a non-empty Path.
	// Timing control is by the caller-provided context.
	ScanSPP(ctx context.Context) ([]Device, error)

	// Connect initiates an outgoing connection to dev and waits for
	// Profile1.NewConnection. Pairing is attempted when the device is not
	// paired; a BlueZ Agent registered elsewhere must handle it.
	// Context cancellation and deadlines are propagated as errors wrapping
	// context.Canceled or context.DeadlineExceeded.
	Connect(ctx context.Context, dev Device) (fd int, err error)

	// Close releases D-Bus objects, signal subscriptions and queued FDs.
	// After Close, all other methods return an error.
	Close() error
}
