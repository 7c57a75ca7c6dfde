package directory

import (
	"fmt"
	"strings"
)

// Type identifies an upstream subsystem announcing devices. The set is
// closed; announcements from any other service type are ignored.
type Type string

const (
	TypeZigbee Type = "zigbee"
	TypeModbus Type = "modbus"
	TypeCustom Type = "custom"
)

// ParseType resolves a subsystem type string against the closed set.
func ParseType(value string) (Type, bool) {
	switch Type(value) {
	case TypeZigbee, TypeModbus, TypeCustom:
		return Type(value), true
	default:
		return "", false
	}
}

// DeviceInfo is one entry of a subsystem's device-list announcement.
// Identity fields are subsystem-specific.
type DeviceInfo struct {
	Name        string `json:"name"`
	Removed     bool   `json:"removed"`
	LogicalType int    `json:"logicalType"`
	IEEEAddress string `json:"ieeeAddress"`
	PortID      int    `json:"portId"`
	SlaveID     int    `json:"slaveId"`
	ID          string `json:"id"`
}

// deviceID derives the stable per-subsystem identity, or reports the
// entry as not trackable (removed or non-end zigbee devices).
func (t Type) deviceID(info DeviceInfo) (string, bool) {
	switch t {
	case TypeZigbee:
		if info.Removed || info.LogicalType == 0 {
			return "", false
		}
		return info.IEEEAddress, true
	case TypeModbus:
		return fmt.Sprintf("%d.%d", info.PortID, info.SlaveID), true
	case TypeCustom:
		return info.ID, true
	default:
		return "", false
	}
}

// Device is a discovered upstream device. The key never changes after
// creation; the bus-facing topic may be reassigned and the reachability
// flag toggles with availability messages. Devices are process-lifetime
// only and rebuilt from announcements on every connect.
type Device struct {
	key       string
	topic     string
	available bool
}

func (d *Device) Key() string {
	return d.key
}

func (d *Device) Topic() string {
	return d.topic
}

func (d *Device) ClearTopic() {
	d.topic = ""
}

func (d *Device) Available() bool {
	return d.available
}

func (d *Device) SetAvailable(value bool) {
	d.available = value
}

// Service returns the owning service part of the topic.
func (d *Device) Service() string {
	if index := strings.LastIndex(d.topic, "/"); index >= 0 {
		return d.topic[:index]
	}

	return d.topic
}

// Name returns the device part of the topic.
func (d *Device) Name() string {
	if index := strings.LastIndex(d.topic, "/"); index >= 0 {
		return d.topic[index+1:]
	}

	return d.topic
}

// Directory tracks discovered devices by stable key.
type Directory struct {
	devices map[string]*Device
}

func New() *Directory {
	return &Directory{
		devices: make(map[string]*Device),
	}
}

// Clear drops every device, used on reconnect when the directory is
// rebuilt from fresh retained announcements.
func (d *Directory) Clear() {
	d.devices = make(map[string]*Device)
}

// Get returns the device with the given key.
func (d *Directory) Get(key string) *Device {
	return d.devices[key]
}

// Devices returns every tracked device.
func (d *Directory) Devices() []*Device {
	devices := make([]*Device, 0, len(d.devices))
	for _, device := range d.devices {
		devices = append(devices, device)
	}

	return devices
}

// Find matches a device by key or topic, exact or as a path prefix.
func (d *Directory) Find(search string) *Device {
	for _, device := range d.devices {
		if search == device.key || strings.HasPrefix(search, device.key+"/") {
			return device
		}
		if device.topic != "" && (search == device.topic || strings.HasPrefix(search, device.topic+"/")) {
			return device
		}
	}

	return nil
}

// Under returns the devices whose topic is rooted under a service.
func (d *Directory) Under(service string) []*Device {
	var devices []*Device
	for _, device := range d.devices {
		if strings.HasPrefix(device.topic, service+"/") {
			devices = append(devices, device)
		}
	}

	return devices
}

// Update applies one announced device entry. It creates the device or
// reassigns its topic and returns the device, the previous topic, and
// whether the per-device subscriptions must be (re)established. A nil
// device means the entry is not trackable.
func (d *Directory) Update(t Type, service string, info DeviceInfo, names bool) (device *Device, oldTopic string, changed bool) {
	id, ok := t.deviceID(info)
	if !ok || id == "" {
		return nil, "", false
	}

	name := info.Name
	if name == "" {
		name = id
	}

	key := string(t) + "/" + id
	topic := service + "/" + id
	if names {
		topic = service + "/" + name
	}

	if device, ok := d.devices[key]; ok {
		if device.topic == topic {
			return device, "", false
		}

		oldTopic := device.topic
		device.topic = topic

		return device, oldTopic, true
	}

	device = &Device{key: key, topic: topic, available: true}
	d.devices[key] = device

	return device, "", true
}
