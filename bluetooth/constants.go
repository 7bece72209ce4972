package bluetooth

import "time"

const (
	BLUEZ_BUS_NAME          = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE  = "org.bluez.Device1"
	BLUEZ_OBJECT_PATH       = "/org/bluez"

	DBUS_OBJECT_MANAGER_GET = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	DBUS_PROPERTIES_GET     = "org.freedesktop.DBus.Properties.Get"
	DEVICE_DISCONNECT       = "org.bluez.Device1.Disconnect"
)

// Serial Port Profile, the only profile an HC-05 module exposes.
const PROFILE_SPP_UUID = "00001101-0000-1000-8000-00805f9b34fb"

const (
	DefaultAdapter     = "hci0"
	DefaultSerialPort  = "/dev/rfcomm0"
	DefaultBaudRate    = 9600
	DefaultReadTimeout = 500 * time.Millisecond
	DefaultDelimiter   = "\n"
	DefaultIdleTimeout = 30 * time.Second

	// Partial lines longer than this are flushed as a chunk of their own.
	maxPendingBytes = 4096
	readBufferSize  = 1024
	chunkQueueSize  = 64

	disconnectTimeout = 5 * time.Second
)
