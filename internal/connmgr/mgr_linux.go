//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("connmgr")

// New creates a new manager instance. The system bus is connected lazily.
func New() Mgr {
	return &mgr{closeCh: make(chan struct{})}
}

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"

	// incomingBacklog bounds connections waiting for Accept.
	incomingBacklog = 4
)

var pathCounter uint64

var errClosed = errors.New("connmgr: closed")

type mgr struct {
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}

	bus *dbus.Conn

	srvProf    *serverProfile
	serverPath dbus.ObjectPath

	cliProf    *clientProfile
	clientPath dbus.ObjectPath

	// connectMu serializes Connect; BlueZ handles one ConnectProfile per
	// device at a time and the pending map is keyed by device.
	connectMu sync.Mutex

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *mgr) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	m.bus = c
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return nil
}

// busLocked returns the bus for a new operation, failing once closed.
func (m *mgr) busLocked() (*dbus.Conn, error) {
	if m.closed {
		return nil, errClosed
	}
	if err := m.ensureBusLocked(); err != nil {
		return nil, err
	}
	return m.bus, nil
}

type acceptResult struct {
	fd  int
	dev Device
}

func closeFD(fd int) {
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
}

func rejected(reason string) *dbus.Error {
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{reason}}
}

// serverProfile implements org.bluez.Profile1 for the server role and
// queues incoming sockets for Accept.
type serverProfile struct {
	incoming chan acceptResult
}

func (p *serverProfile) Release() *dbus.Error { return nil }

func (p *serverProfile) Cancel() *dbus.Error { return nil }

func (p *serverProfile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *serverProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{fd: int(fd), dev: Device{Path: string(dev), MAC: macFromPath(dev)}}
	select {
	case p.incoming <- res:
		return nil
	default:
		logger.Warnf("accept backlog full, rejecting %s", res.dev.MAC)
		closeFD(res.fd)
		return rejected("backlog full")
	}
}

// clientProfile implements org.bluez.Profile1 for the client role and routes
// each NewConnection to the Connect call waiting for that device.
type clientProfile struct {
	mu      sync.Mutex
	pending map[dbus.ObjectPath]chan acceptResult
}

func (p *clientProfile) Release() *dbus.Error { return nil }

func (p *clientProfile) Cancel() *dbus.Error { return nil }

func (p *clientProfile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *clientProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.pending[dev]
	delete(p.pending, dev)
	p.mu.Unlock()
	if !ok {
		closeFD(int(fd))
		return rejected("no pending connect")
	}
	ch <- acceptResult{fd: int(fd), dev: Device{Path: string(dev), MAC: macFromPath(dev)}}
	return nil
}

func (p *clientProfile) expect(dev dbus.ObjectPath) chan acceptResult {
	ch := make(chan acceptResult, 1)
	p.mu.Lock()
	p.pending[dev] = ch
	p.mu.Unlock()
	return ch
}

func (p *clientProfile) abandon(dev dbus.ObjectPath, ch chan acceptResult) {
	p.mu.Lock()
	if p.pending[dev] == ch {
		delete(p.pending, dev)
	}
	p.mu.Unlock()
	// NewConnection may have raced the cancellation.
	select {
	case res := <-ch:
		closeFD(res.fd)
	default:
	}
}

func (m *mgr) Adapter(ctx context.Context) (Adapter, error) {
	m.mu.Lock()
	bus, err := m.busLocked()
	m.mu.Unlock()
	if err != nil {
		return Adapter{}, err
	}
	adapters, err := listAdapters(ctx, bus)
	if err != nil {
		return Adapter{}, err
	}
	if len(adapters) == 0 {
		return Adapter{}, errors.New("connmgr: no bluetooth adapter")
	}
	return adapters[0], nil
}

func (m *mgr) SetAlias(ctx context.Context, alias string) error {
	a, err := m.Adapter(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	bus := m.bus
	m.mu.Unlock()
	obj := bus.Object(bluezService, dbus.ObjectPath(a.Path))
	if call := obj.CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Alias", dbus.MakeVariant(alias)); call.Err != nil {
		return fmt.Errorf("connmgr: set alias: %w", call.Err)
	}
	return nil
}

func (m *mgr) StartServer(ctx context.Context, opts ServerOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.busLocked(); err != nil {
		return err
	}
	if m.srvProf != nil {
		return errors.New("connmgr: server already started")
	}
	if opts.ServiceName == "" {
		return errors.New("connmgr: ServiceName required")
	}
	channel := opts.Channel
	if channel == 0 {
		channel = DefaultRFCOMMChannel
	}

	prof := &serverProfile{incoming: make(chan acceptResult, incomingBacklog)}
	// Unique object path per instance to avoid collisions.
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_peerlink/connmgr/server/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(prof, path, profileInterfaceName); err != nil {
		return fmt.Errorf("connmgr: export server profile: %w", err)
	}

	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel":               dbus.MakeVariant(uint16(channel)),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, SPPUUID, optsMap); call.Err != nil {
		_ = m.bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("connmgr: RegisterProfile(server): %w", call.Err)
	}
	bus := m.bus
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
		// Close sockets nobody accepted.
		for {
			select {
			case res := <-prof.incoming:
				closeFD(res.fd)
			default:
				return
			}
		}
	})
	m.srvProf, m.serverPath = prof, path
	logger.Infof("SPP server %q registered on channel %d", opts.ServiceName, channel)
	return nil
}

func (m *mgr) Accept(ctx context.Context) (fd int, remote Device, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, Device{}, errClosed
	}
	if m.srvProf == nil {
		m.mu.Unlock()
		return 0, Device{}, errors.New("connmgr: server not started")
	}
	ch := m.srvProf.incoming
	bus := m.bus
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return 0, Device{}, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case <-m.closeCh:
		return 0, Device{}, errClosed
	case res := <-ch:
		// Fill in the names BlueZ already knows; best effort.
		if dev, ok := lookupDevice(ctx, bus, dbus.ObjectPath(res.dev.Path)); ok {
			res.dev = dev
		}
		return res.fd, res.dev, nil
	}
}

func (m *mgr) ScanSPP(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	bus, err := m.busLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	adapters, err := listAdapters(ctx, bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, a := range adapters {
		p := dbus.ObjectPath(a.Path)
		if err := bus.Object(bluezService, p).Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
			logger.Debugf("StartDiscovery on %s: %v", p, err)
		}
		defer func() { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }()
	}

	// Subscribe before priming so no device added in between is missed.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

	devMap, err := snapshotSPPDevices(ctx, bus)
	if err != nil {
		return nil, err
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-m.closeCh:
			return nil, errClosed
		case sig := <-sigCh:
			if sig == nil || sig.Name != objManagerIface+".InterfacesAdded" || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces); ok {
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *mgr) Connect(ctx context.Context, dev Device) (fd int, err error) {
	if dev.Path == "" {
		return 0, errors.New("connmgr: device path required")
	}
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if _, err := m.busLocked(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if err := m.ensureClientLocked(ctx); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	prof := m.cliProf
	bus := m.bus
	m.mu.Unlock()

	devPath := dbus.ObjectPath(dev.Path)
	ch := prof.expect(devPath)
	delivered := false
	defer func() {
		if !delivered {
			prof.abandon(devPath, ch)
		}
	}()

	// Ensure paired; if not, attempt Pair() via Agent.
	devObj := bus.Object(bluezService, devPath)
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && !b {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return 0, fmt.Errorf("connmgr: Pair: %w", err)
				}
			}
		}
	}
	// Initiate ConnectProfile on the device.
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case <-m.closeCh:
		return 0, errClosed
	case res := <-ch:
		delivered = true
		return res.fd, nil
	}
}

// ensureClientLocked exports and registers the client-role profile once.
func (m *mgr) ensureClientLocked(ctx context.Context) error {
	if m.cliProf != nil {
		return nil
	}
	prof := &clientProfile{pending: make(map[dbus.ObjectPath]chan acceptResult)}
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_peerlink/connmgr/client/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(prof, path, profileInterfaceName); err != nil {
		return fmt.Errorf("connmgr: export client profile: %w", err)
	}
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, SPPUUID, optsMap); call.Err != nil {
		_ = m.bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("connmgr: RegisterProfile(client): %w", call.Err)
	}
	bus := m.bus
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	m.cliProf, m.clientPath = prof, path
	return nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.closeCh)
	cleanup := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// Helpers

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func getManagedObjects(ctx context.Context, bus *dbus.Conn) (managedObjects, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs managedObjects
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func listAdapters(ctx context.Context, bus *dbus.Conn) ([]Adapter, error) {
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	var out []Adapter
	for path, ifaces := range objs {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		a := Adapter{Path: string(path)}
		a.Address, _ = variantString(props, "Address")
		a.Alias, _ = variantString(props, "Alias")
		if v, ok := props["Powered"]; ok {
			a.Powered, _ = v.Value().(bool)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func snapshotSPPDevices(ctx context.Context, bus *dbus.Conn) (map[string]Device, error) {
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			out[dev.Path] = dev
		}
	}
	return out, nil
}

// lookupDevice reads the Device1 properties of one object.
func lookupDevice(ctx context.Context, bus *dbus.Conn, path dbus.ObjectPath) (Device, bool) {
	var props map[string]dbus.Variant
	call := bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil || call.Store(&props) != nil {
		return Device{}, false
	}
	return deviceFromProps(path, props), true
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, SPPUUID) {
		return Device{}, false
	}
	return deviceFromProps(path, props), true
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	d := Device{Path: string(path)}
	d.MAC, _ = variantString(props, "Address")
	d.Name, _ = variantString(props, "Name")
	d.Alias, _ = variantString(props, "Alias")
	if v, ok := props["RSSI"]; ok {
		d.RSSI, _ = v.Value().(int16)
	}
	if d.MAC == "" {
		d.MAC = macFromPath(path)
	}
	return d
}

func variantString(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
