package directory_test

import (
	"testing"

	"codeberg.org/mutker/homerecorder/internal/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	for _, name := range []string{"zigbee", "modbus", "custom"} {
		_, ok := directory.ParseType(name)
		assert.True(t, ok, name)
	}

	_, ok := directory.ParseType("recorder")
	assert.False(t, ok)
}

func TestUpdateZigbee(t *testing.T) {
	dir := directory.New()

	device, oldTopic, changed := dir.Update(directory.TypeZigbee, "zigbee/z2m", directory.DeviceInfo{
		Name:        "Kitchen Light",
		IEEEAddress: "0x00158d0002c8fd08",
		LogicalType: 2,
	}, true)

	require.NotNil(t, device)
	assert.True(t, changed)
	assert.Empty(t, oldTopic)
	assert.Equal(t, "zigbee/0x00158d0002c8fd08", device.Key())
	assert.Equal(t, "zigbee/z2m/Kitchen Light", device.Topic())
	assert.True(t, device.Available())
}

func TestUpdateZigbeeFiltersRemoved(t *testing.T) {
	dir := directory.New()

	device, _, _ := dir.Update(directory.TypeZigbee, "zigbee/z2m", directory.DeviceInfo{
		IEEEAddress: "0x01",
		Removed:     true,
		LogicalType: 2,
	}, false)
	assert.Nil(t, device, "removed devices are not tracked")

	device, _, _ = dir.Update(directory.TypeZigbee, "zigbee/z2m", directory.DeviceInfo{
		IEEEAddress: "0x02",
		LogicalType: 0,
	}, false)
	assert.Nil(t, device, "coordinators are not tracked")
}

func TestUpdateModbusKey(t *testing.T) {
	dir := directory.New()

	device, _, changed := dir.Update(directory.TypeModbus, "modbus/main", directory.DeviceInfo{
		PortID:  2,
		SlaveID: 17,
	}, false)

	require.NotNil(t, device)
	assert.True(t, changed)
	assert.Equal(t, "modbus/2.17", device.Key())
	assert.Equal(t, "modbus/main/2.17", device.Topic())
}

func TestUpdateCustomNameFallback(t *testing.T) {
	dir := directory.New()

	// names requested but the announcement has no display name: the
	// id doubles as the topic leaf.
	device, _, _ := dir.Update(directory.TypeCustom, "custom/hub", directory.DeviceInfo{
		ID: "relay-1",
	}, true)

	require.NotNil(t, device)
	assert.Equal(t, "custom/relay-1", device.Key())
	assert.Equal(t, "custom/hub/relay-1", device.Topic())
}

func TestTopicReassignmentKeepsKey(t *testing.T) {
	dir := directory.New()

	info := directory.DeviceInfo{Name: "Old Name", IEEEAddress: "0x01", LogicalType: 1}
	device, _, _ := dir.Update(directory.TypeZigbee, "zigbee/z2m", info, true)
	require.NotNil(t, device)

	info.Name = "New Name"
	updated, oldTopic, changed := dir.Update(directory.TypeZigbee, "zigbee/z2m", info, true)
	require.NotNil(t, updated)
	assert.True(t, changed)
	assert.Equal(t, "zigbee/z2m/Old Name", oldTopic)
	assert.Equal(t, "zigbee/z2m/New Name", updated.Topic())
	assert.Equal(t, device.Key(), updated.Key(), "key never changes after creation")

	// Same announcement again: no churn.
	_, _, changed = dir.Update(directory.TypeZigbee, "zigbee/z2m", info, true)
	assert.False(t, changed)
}

func TestFind(t *testing.T) {
	dir := directory.New()

	device, _, _ := dir.Update(directory.TypeZigbee, "zigbee/z2m", directory.DeviceInfo{
		Name: "Sensor", IEEEAddress: "0x01", LogicalType: 2,
	}, true)
	require.NotNil(t, device)

	assert.Equal(t, device, dir.Find("zigbee/0x01"))
	assert.Equal(t, device, dir.Find("zigbee/0x01/2"))
	assert.Equal(t, device, dir.Find("zigbee/z2m/Sensor"))
	assert.Equal(t, device, dir.Find("zigbee/z2m/Sensor/1"))
	assert.Nil(t, dir.Find("zigbee/0x02"))
}

func TestUnder(t *testing.T) {
	dir := directory.New()

	dir.Update(directory.TypeZigbee, "zigbee/z2m", directory.DeviceInfo{IEEEAddress: "0x01", LogicalType: 1}, false)
	dir.Update(directory.TypeModbus, "modbus/main", directory.DeviceInfo{PortID: 1, SlaveID: 2}, false)

	under := dir.Under("zigbee/z2m")
	require.Len(t, under, 1)
	assert.Equal(t, "zigbee/0x01", under[0].Key())

	assert.Empty(t, dir.Under("zigbee/other"))
}

func TestClear(t *testing.T) {
	dir := directory.New()

	dir.Update(directory.TypeCustom, "custom/hub", directory.DeviceInfo{ID: "a"}, false)
	require.Len(t, dir.Devices(), 1)

	dir.Clear()
	assert.Empty(t, dir.Devices())
}

func TestDeviceServiceAndName(t *testing.T) {
	dir := directory.New()

	device, _, _ := dir.Update(directory.TypeZigbee, "zigbee/z2m", directory.DeviceInfo{
		Name: "Sensor", IEEEAddress: "0x01", LogicalType: 1,
	}, true)
	require.NotNil(t, device)

	assert.Equal(t, "zigbee/z2m", device.Service())
	assert.Equal(t, "Sensor", device.Name())
}
