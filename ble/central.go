// Package ble connects EMG bands over Bluetooth LE and feeds their
// notifications through the decode and timestamp pipeline.
package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/bluez"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"emg-bridge/timesync"
	"emg-bridge/wire"
)

// Standard big-endian UUID strings as BlueZ returns them in GetManagedObjects.
const (
	serviceUUIDStr      = "a3c80100-5b1e-4f0b-9e2d-6c1f8a7b3e10"
	emgPowerUUIDStr     = "a3c80101-5b1e-4f0b-9e2d-6c1f8a7b3e10"
	emgBufferUUIDStr    = "a3c80102-5b1e-4f0b-9e2d-6c1f8a7b3e10"
	accelUUIDStr        = "a3c80103-5b1e-4f0b-9e2d-6c1f8a7b3e10"
	gyroUUIDStr         = "a3c80104-5b1e-4f0b-9e2d-6c1f8a7b3e10"
	magUUIDStr          = "a3c80105-5b1e-4f0b-9e2d-6c1f8a7b3e10"
	attitudeUUIDStr     = "a3c80106-5b1e-4f0b-9e2d-6c1f8a7b3e10"
	controlPointUUIDStr = "a3c80110-5b1e-4f0b-9e2d-6c1f8a7b3e10"
	recordDataUUIDStr   = "a3c80111-5b1e-4f0b-9e2d-6c1f8a7b3e10"
)

// ServiceUUID is the band's primary service, advertised by every band.
var ServiceUUID = must(bluetooth.ParseUUID(serviceUUIDStr))

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// telemetryChars maps telemetry characteristics to their wire format. The
// raw EMG buffer's format depends on the band's hardware revision.
var telemetryChars = map[string]wire.Format{
	emgPowerUUIDStr: wire.EmgPower,
	accelUUIDStr:    wire.ImuAccel,
	gyroUUIDStr:     wire.ImuGyro,
	magUUIDStr:      wire.ImuMag,
	attitudeUUIDStr: wire.ImuAttitude,
}

// Connection is a connected band.
type Connection struct {
	Name      string
	Address   bluetooth.Address
	Device    *bluetooth.Device
	Pipeline  *Device
	Connected bool

	chars   map[string]*gatt.GattCharacteristic1
	propChs map[string]chan *bluez.PropertyChanged
	// dispatching counts the running notification goroutines.
	dispatching sync.WaitGroup
}

// CentralConfig configures discovery and per-band pipelines.
type CentralConfig struct {
	// NamePrefix matches advertised local names, in addition to the service UUID.
	NamePrefix string
	// ResolveTimeout bounds the wait for BlueZ GATT service discovery.
	ResolveTimeout time.Duration
	Device         DeviceConfig
	// RetrieveOnConnect downloads the offline log right after connecting.
	RetrieveOnConnect bool
	RetrievalTimeout  time.Duration
}

// ConnectionHandler is called when a band connects or disconnects.
type ConnectionHandler func(id, name string, connected bool)

// Central manages BLE connections to EMG bands.
type Central struct {
	adapter *bluetooth.Adapter
	cfg     CentralConfig
	clocks  *timesync.Table
	mu      sync.RWMutex

	conns map[string]*Connection

	handlers     Handlers
	onConnection ConnectionHandler
	scanning     bool
}

// NewCentral creates a new BLE Central manager.
func NewCentral(cfg CentralConfig, clocks *timesync.Table) *Central {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 15 * time.Second
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = 2 * time.Minute
	}
	return &Central{
		adapter: bluetooth.DefaultAdapter,
		cfg:     cfg,
		clocks:  clocks,
		conns:   make(map[string]*Connection),
	}
}

// SetHandlers sets the pipeline callbacks used by bands connected afterwards.
func (c *Central) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// SetConnectionHandler sets the callback for connection changes.
func (c *Central) SetConnectionHandler(handler ConnectionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnection = handler
}

// Enable initializes the BLE adapter.
func (c *Central) Enable() error {
	log.Infoln("BLE: Enabling adapter...")
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	log.Infoln("BLE: Adapter enabled")
	return nil
}

// Device returns the pipeline of a connected band.
func (c *Central) Device(id string) (*Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[id]
	if !ok || !conn.Connected {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return conn.Pipeline, nil
}

// Devices returns the IDs of connected bands.
func (c *Central) Devices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.conns))
	for id, conn := range c.conns {
		if conn.Connected {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsConnected returns true if the band with the given address is connected.
func (c *Central) IsConnected(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[id]
	return ok && conn.Connected
}

// ConnectedCount returns the number of connected bands.
func (c *Central) ConnectedCount() int {
	return len(c.Devices())
}

func (c *Central) matches(result bluetooth.ScanResult) bool {
	if result.HasServiceUUID(ServiceUUID) {
		return true
	}
	name := result.LocalName()
	return c.cfg.NamePrefix != "" && strings.HasPrefix(name, c.cfg.NamePrefix)
}

// devicePath derives the BlueZ D-Bus object path from the MAC address.
// e.g. "D4:E9:F4:E2:B5:8A" → "/org/bluez/hci0/dev_D4_E9_F4_E2_B5_8A"
func devicePath(addr bluetooth.Address) dbus.ObjectPath {
	mac := strings.ToUpper(addr.String())
	return dbus.ObjectPath("/org/bluez/hci0/dev_" + strings.ReplaceAll(mac, ":", "_"))
}

// waitForServicesResolved blocks until BlueZ reports ServicesResolved = true
// for the given device address, or until the timeout expires.
//
// BlueZ performs GATT service discovery asynchronously after the ACL connection
// is established. Polling DiscoverServices before this event yields an empty list.
func waitForServicesResolved(addr bluetooth.Address, timeout time.Duration) error {
	devPath := devicePath(addr)

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("dbus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object("org.bluez", devPath)

	// Fast path: already resolved (e.g. reconnect after prior session).
	v, err := obj.GetProperty("org.bluez.Device1.ServicesResolved")
	if err == nil {
		if resolved, ok := v.Value().(bool); ok && resolved {
			return nil
		}
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(devPath),
	); err != nil {
		return fmt.Errorf("dbus match: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return fmt.Errorf("dbus signal channel closed")
			}
			if resolved, ok := device1Bool(sig, "ServicesResolved"); ok && resolved {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ServicesResolved")
		}
	}
}

// device1Bool extracts a boolean Device1 property from a PropertiesChanged signal.
func device1Bool(sig *dbus.Signal, name string) (bool, bool) {
	if len(sig.Body) < 2 {
		return false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != "org.bluez.Device1" {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed[name]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

// discoverGATT opens a fresh D-Bus connection and calls GetManagedObjects
// directly on org.bluez, bypassing the go-bluetooth singleton ObjectManager
// which can return a stale/incomplete view of the GATT object tree.
//
// It returns the GattCharacteristic1 of every requested characteristic UUID
// found under the band's service.
func discoverGATT(addr bluetooth.Address, serviceUUID string, charUUIDs []string) (map[string]*gatt.GattCharacteristic1, error) {
	devPath := string(devicePath(addr))

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	obj := conn.Object("org.bluez", "/")
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}

	log.Debugf("BLE: GetManagedObjects returned %d total objects", len(managed))

	servicePath := ""
	for path, ifaces := range managed {
		if uuid, ok := childUUID(string(path), devPath+"/service", ifaces, "org.bluez.GattService1"); ok && uuid == serviceUUID {
			servicePath = string(path)
			break
		}
	}
	if servicePath == "" {
		return nil, fmt.Errorf("service %s not found on %s", serviceUUID, devPath)
	}
	log.Debugf("BLE: Matched service at %s", servicePath)

	wanted := make(map[string]bool, len(charUUIDs))
	for _, u := range charUUIDs {
		wanted[u] = true
	}

	chars := make(map[string]*gatt.GattCharacteristic1)
	for path, ifaces := range managed {
		uuid, ok := childUUID(string(path), servicePath+"/char", ifaces, "org.bluez.GattCharacteristic1")
		if !ok || !wanted[uuid] {
			continue
		}
		// NewGattCharacteristic1 uses the go-bluetooth client, which is fine for
		// method calls like StartNotify and WriteValue; only GetManagedObjects
		// was unreliable.
		char, err := gatt.NewGattCharacteristic1(path)
		if err != nil {
			return nil, fmt.Errorf("NewGattCharacteristic1(%s): %w", path, err)
		}
		chars[uuid] = char
	}

	for _, u := range charUUIDs {
		if _, ok := chars[u]; !ok {
			return nil, fmt.Errorf("characteristic %s not found under %s", u, servicePath)
		}
	}
	return chars, nil
}

// childUUID returns the lower-cased UUID of an object exactly one level
// under prefix that implements iface.
func childUUID(path, prefix string, ifaces map[string]map[string]dbus.Variant, iface string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	slash := strings.LastIndexByte(prefix, '/')
	if strings.Contains(path[slash+1:], "/") {
		return "", false
	}
	props, ok := ifaces[iface]
	if !ok {
		return "", false
	}
	uuidVar, ok := props["UUID"]
	if !ok {
		return "", false
	}
	uuid, ok := uuidVar.Value().(string)
	if !ok {
		return "", false
	}
	return strings.ToLower(uuid), true
}

// gattControl writes control-point commands with a write request.
type gattControl struct {
	char *gatt.GattCharacteristic1
}

func (g gattControl) WriteControl(data []byte) error {
	return g.char.WriteValue(data, map[string]interface{}{"type": "request"})
}

// connectToDevice establishes a connection to a discovered band.
func (c *Central) connectToDevice(result bluetooth.ScanResult) error {
	name := result.LocalName()
	id := result.Address.String()
	log.Infof("BLE: Connecting to %s (%s)...", name, id)

	device, err := c.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := waitForServicesResolved(result.Address, c.cfg.ResolveTimeout); err != nil {
		device.Disconnect()
		return fmt.Errorf("GATT not resolved on %s: %w", name, err)
	}

	uuids := []string{emgBufferUUIDStr, controlPointUUIDStr, recordDataUUIDStr}
	for u := range telemetryChars {
		uuids = append(uuids, u)
	}
	chars, err := discoverGATT(result.Address, serviceUUIDStr, uuids)
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("GATT discovery failed on %s: %w", name, err)
	}

	c.mu.RLock()
	handlers := c.handlers
	onConnection := c.onConnection
	c.mu.RUnlock()

	pipeline := NewDevice(id, c.cfg.Device, c.clocks, gattControl{chars[controlPointUUIDStr]}, handlers)
	conn := &Connection{
		Name:      name,
		Address:   result.Address,
		Device:    device,
		Pipeline:  pipeline,
		Connected: true,
		chars:     chars,
		propChs:   make(map[string]chan *bluez.PropertyChanged),
	}

	dispatch := map[string]func([]byte){
		controlPointUUIDStr: pipeline.HandleControl,
		recordDataUUIDStr:   pipeline.HandleRecord,
		emgBufferUUIDStr:    func(b []byte) { pipeline.HandleTelemetry(pipeline.BufferFormat(), b) },
	}
	for u, f := range telemetryChars {
		f := f
		dispatch[u] = func(b []byte) { pipeline.HandleTelemetry(f, b) }
	}

	// One goroutine per characteristic: each stream's clock has a single writer.
	for u, handle := range dispatch {
		propCh, err := conn.subscribe(chars[u], handle)
		if err != nil {
			conn.release()
			conn.dispatching.Wait()
			device.Disconnect()
			return fmt.Errorf("subscribe %s on %s: %w", u, name, err)
		}
		conn.propChs[u] = propCh
	}

	c.mu.Lock()
	c.conns[id] = conn
	c.mu.Unlock()

	go c.watchDisconnect(id, result.Address)

	log.Infof("BLE: %s connected and streaming", name)
	if onConnection != nil {
		onConnection(id, name, true)
	}

	if c.cfg.RetrieveOnConnect {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RetrievalTimeout)
			defer cancel()
			if _, err := pipeline.Retrieve(ctx); err != nil {
				log.WithField("device", id).WithError(err).Warnln("BLE: offline log retrieval failed")
			}
		}()
	}
	return nil
}

// subscribe watches a characteristic's Value property and starts
// notifications, dispatching every update to handle on its own goroutine.
// The goroutine exits when release closes the watch channel.
func (conn *Connection) subscribe(char *gatt.GattCharacteristic1, handle func([]byte)) (chan *bluez.PropertyChanged, error) {
	propCh, err := char.WatchProperties()
	if err != nil {
		return nil, fmt.Errorf("WatchProperties failed: %w", err)
	}
	if err := char.StartNotify(); err != nil {
		_ = char.UnwatchProperties(propCh)
		return nil, fmt.Errorf("StartNotify failed: %w", err)
	}
	conn.dispatching.Add(1)
	go func() {
		defer conn.dispatching.Done()
		for update := range propCh {
			if update == nil {
				continue
			}
			if update.Interface == "org.bluez.GattCharacteristic1" && update.Name == "Value" {
				if value, ok := update.Value.([]byte); ok {
					handle(value)
				}
			}
		}
	}()
	return propCh, nil
}

// watchDisconnect waits for BlueZ to report Connected = false for the band.
func (c *Central) watchDisconnect(id string, addr bluetooth.Address) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.WithError(err).Warnln("BLE: cannot watch disconnects")
		return
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(devicePath(addr)),
	); err != nil {
		log.WithError(err).Warnln("BLE: cannot watch disconnects")
		return
	}
	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)

	for sig := range ch {
		if connected, ok := device1Bool(sig, "Connected"); ok && !connected {
			if c.IsConnected(id) {
				log.Infof("BLE: %s dropped the connection", id)
				_ = c.Disconnect(id)
			}
			return
		}
	}
}

// release stops notifications and cleans up the D-Bus signal subscriptions.
func (conn *Connection) release() {
	for u, propCh := range conn.propChs {
		char := conn.chars[u]
		_ = char.StopNotify()
		_ = char.UnwatchProperties(propCh)
	}
	conn.propChs = nil
}

// StartScanning scans until a band that is not yet connected is found and
// connects to it.
func (c *Central) StartScanning() error {
	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()

	log.Infoln("BLE: Starting scan for EMG bands...")

	go func() {
		defer func() {
			c.mu.Lock()
			c.scanning = false
			c.mu.Unlock()
		}()

		var found *bluetooth.ScanResult
		err := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !c.matches(result) || c.IsConnected(result.Address.String()) {
				return
			}
			log.Infof("BLE: Found %s at %s", result.LocalName(), result.Address.String())
			found = &result
			adapter.StopScan()
		})
		if err != nil {
			log.Errorf("BLE: Scan error: %v", err)
			return
		}
		if found == nil {
			return
		}
		if err := c.connectToDevice(*found); err != nil {
			log.Errorf("BLE: Failed to connect to %s: %v", found.LocalName(), err)
		}
	}()

	return nil
}

// StopScanning stops the BLE scan.
func (c *Central) StopScanning() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scanning {
		c.adapter.StopScan()
		log.Infoln("BLE: Scan stopped")
	}
}

// Disconnect disconnects from a band.
func (c *Central) Disconnect(id string) error {
	c.mu.Lock()
	conn, ok := c.conns[id]
	delete(c.conns, id)
	onConnection := c.onConnection
	c.mu.Unlock()

	if !ok || !conn.Connected {
		return nil
	}
	conn.Connected = false
	// Drain in-flight notifications so none reaches the pipeline after Close.
	conn.release()
	conn.dispatching.Wait()
	conn.Pipeline.Close()
	if onConnection != nil {
		onConnection(id, conn.Name, false)
	}
	if err := conn.Device.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", id, err)
	}
	log.Infof("BLE: %s disconnected", id)
	return nil
}

// DisconnectAll disconnects from all bands.
func (c *Central) DisconnectAll() {
	for _, id := range c.Devices() {
		if err := c.Disconnect(id); err != nil {
			log.Warnln(err)
		}
	}
}
