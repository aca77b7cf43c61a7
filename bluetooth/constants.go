package bluetooth

import "time"

const (
	BLUEZ_BUS_NAME            = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE   = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE    = "org.bluez.Device1"
	BLUEZ_SERVICE_INTERFACE   = "org.bluez.GattService1"
	BLUEZ_CHAR_INTERFACE      = "org.bluez.GattCharacteristic1"
	DBUS_PROPERTIES_INTERFACE = "org.freedesktop.DBus.Properties"
	DBUS_OBJECT_MANAGER       = "org.freedesktop.DBus.ObjectManager"
)

const (
	// Service and Characteristic UUIDs (must match the pendant firmware)
	AudioServiceUUID   = "19b10000-e8f2-537e-4f6c-d104768a1214"
	AudioDataCharUUID  = "19b10001-e8f2-537e-4f6c-d104768a1214"
	AudioCodecCharUUID = "19b10002-e8f2-537e-4f6c-d104768a1214"

	ButtonServiceUUID     = "23ba7924-0000-1000-7450-346eac492e92"
	ButtonTriggerCharUUID = "23ba7925-0000-1000-7450-346eac492e92"

	// Battery uses the standard Bluetooth SIG service
	BatteryServiceUUID   = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelCharUUID = "00002a19-0000-1000-8000-00805f9b34fb"

	// Device identification fallbacks for discovery
	DeviceNameFriend = "Friend"
	DeviceNameOmi    = "Omi"

	// Discovery and connection configuration
	ScanSettleDelay        = 2 * time.Second
	ServiceResolveTimeout  = 10 * time.Second
	ServiceResolvePollRate = 500 * time.Millisecond
	DeviceRescanDelay      = 5 * time.Second
)

// Stream kinds carried by the pendant. These double as the uplink frame
// kinds for forwarded packets.
const (
	StreamAudio   = "audio"
	StreamButton  = "button"
	StreamBattery = "battery"
)

// Codec identifiers reported by the audio codec characteristic.
const (
	CodecPCM8    = 0
	CodecPCM16   = 1
	CodecOpus    = 20
	CodecUnknown = -1
)

// CodecName maps a codec identifier to the name used in events and logs.
func CodecName(codec int) string {
	switch codec {
	case CodecPCM8:
		return "pcm8"
	case CodecPCM16:
		return "pcm16"
	case CodecOpus:
		return "opus"
	default:
		return "unknown"
	}
}

// counterFlushInterval batches packet-counter updates to observers so a
// 100-packets-per-second audio stream does not become 100 status
// broadcasts per second.
const counterFlushInterval = 500 * time.Millisecond
