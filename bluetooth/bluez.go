package bluetooth

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/amriksingh0786/EkoMilkBluetooth/utils"
	"github.com/godbus/dbus/v5"
)

// DeviceDirectory is the part of BlueZ the session manager talks to.
type DeviceDirectory interface {
	PairedDevices(ctx context.Context) ([]utils.BluetoothDeviceInfo, error)
	Disconnect(ctx context.Context, address string) error
	AdapterPowered(ctx context.Context) (bool, error)
}

// BluezDirectory reads paired devices from BlueZ over the system bus.
type BluezDirectory struct {
	conn    *dbus.Conn
	adapter string
}

func NewBluezDirectory(adapter string) (*BluezDirectory, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return &BluezDirectory{conn: conn, adapter: adapter}, nil
}

// PairedDevices returns the devices bonded to the adapter, sorted by name.
func (d *BluezDirectory) PairedDevices(ctx context.Context) ([]utils.BluetoothDeviceInfo, error) {
	objects, err := d.getManagedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return pairedFromObjects(objects, d.adapter), nil
}

// Disconnect drops the baseband link to address.
func (d *BluezDirectory) Disconnect(ctx context.Context, address string) error {
	obj := d.conn.Object(BLUEZ_BUS_NAME, formatDevicePath(d.adapter, address))
	if err := obj.CallWithContext(ctx, DEVICE_DISCONNECT, 0).Err; err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", address, err)
	}
	return nil
}

// AdapterPowered reads the Powered property of the adapter.
func (d *BluezDirectory) AdapterPowered(ctx context.Context) (bool, error) {
	obj := d.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(BLUEZ_OBJECT_PATH+"/"+d.adapter))
	var variant dbus.Variant
	if err := obj.CallWithContext(ctx, DBUS_PROPERTIES_GET, 0, BLUEZ_ADAPTER_INTERFACE, "Powered").Store(&variant); err != nil {
		return false, fmt.Errorf("failed to read %s power state: %w", d.adapter, err)
	}
	powered, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected Powered value %v", variant.Value())
	}
	return powered, nil
}

func (d *BluezDirectory) Close() error {
	return d.conn.Close()
}

func (d *BluezDirectory) getManagedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := d.conn.Object(BLUEZ_BUS_NAME, "/")
	var managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.CallWithContext(ctx, DBUS_OBJECT_MANAGER_GET, 0).Store(&managedObjects); err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}
	return managedObjects, nil
}

func pairedFromObjects(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, adapter string) []utils.BluetoothDeviceInfo {
	prefix := BLUEZ_OBJECT_PATH + "/" + adapter + "/"
	devices := make([]utils.BluetoothDeviceInfo, 0)
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := interfaces[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		info := deviceInfoFromProps(props)
		if !info.Paired {
			continue
		}
		devices = append(devices, info)
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].Address < devices[j].Address
	})
	return devices
}

func deviceInfoFromProps(props map[string]dbus.Variant) utils.BluetoothDeviceInfo {
	var info utils.BluetoothDeviceInfo
	info.Address, _ = propValue[string](props, "Address")
	info.Name, _ = propValue[string](props, "Name")
	info.Alias, _ = propValue[string](props, "Alias")
	info.Class, _ = propValue[uint32](props, "Class")
	info.Paired, _ = propValue[bool](props, "Paired")
	info.Trusted, _ = propValue[bool](props, "Trusted")
	info.Connected, _ = propValue[bool](props, "Connected")

	if info.Name == "" {
		info.Name = info.Alias
	}

	uuids, _ := propValue[[]string](props, "UUIDs")
	for _, uuid := range uuids {
		if strings.EqualFold(normalizeUUID(uuid), PROFILE_SPP_UUID) {
			info.SerialPort = true
			break
		}
	}
	return info
}

func propValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	out, ok := v.Value().(T)
	return out, ok
}

// formatDevicePath maps AA:BB:CC:DD:EE:FF to /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func formatDevicePath(adapter, address string) dbus.ObjectPath {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	dev := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("%s/%s/dev_%s", BLUEZ_OBJECT_PATH, adapter, dev))
}

// normalizeUUID converts short UUIDs to full format
func normalizeUUID(uuid string) string {
	if len(uuid) == 8 {
		return fmt.Sprintf("%s-0000-1000-8000-00805f9b34fb", uuid)
	}
	return uuid
}
