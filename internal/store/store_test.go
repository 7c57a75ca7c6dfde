package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/homerecorder/internal/logger"
	"codeberg.org/mutker/homerecorder/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init(false, false, true)
	os.Exit(m.Run())
}

func openStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func TestOpenInitializesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Reopening an existing database must not fail or reset it.
	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	items, err := st.Items()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := store.Open("")
	require.Error(t, err)
}

func TestItemRoundTrip(t *testing.T) {
	st := openStore(t)

	id, err := st.InsertItem("zigbee/0x01", "temperature", 2000, 0.5)
	require.NoError(t, err)

	require.NoError(t, st.UpdateItem(id, 5000, 1.5))

	items, err := st.Items()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, "zigbee/0x01", items[0].Endpoint)
	assert.Equal(t, "temperature", items[0].Property)
	assert.Equal(t, int64(5000), items[0].Debounce)
	assert.InDelta(t, 1.5, items[0].Threshold, 0)
}

func TestUniqueItemIndex(t *testing.T) {
	st := openStore(t)

	_, err := st.InsertItem("zigbee/0x01", "temperature", 0, 0)
	require.NoError(t, err)

	_, err = st.InsertItem("zigbee/0x01", "temperature", 0, 0)
	assert.Error(t, err, "duplicate (endpoint, property) must be rejected")
}

func TestDeleteItemCascades(t *testing.T) {
	st := openStore(t)

	id, err := st.InsertItem("zigbee/0x01", "temperature", 0, 0)
	require.NoError(t, err)

	require.NoError(t, st.InsertDataBatch([]store.DataRecord{
		{ItemID: id, Timestamp: 1000, Value: "20"},
	}))
	require.NoError(t, st.InsertHourBatch([]store.HourRecord{
		{ItemID: id, Timestamp: 3600000, Avg: 20, Min: 20, Max: 20},
	}))

	require.NoError(t, st.DeleteItem(id))

	data, err := st.DataRange(id, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, data)

	hours, err := st.HourRange(id, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, hours)
}

func TestLatestData(t *testing.T) {
	st := openStore(t)

	id, err := st.InsertItem("light1", "state", 0, 0)
	require.NoError(t, err)

	_, ok, err := st.LatestData(id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.InsertDataBatch([]store.DataRecord{
		{ItemID: id, Timestamp: 1000, Value: "on"},
		{ItemID: id, Timestamp: 2000, Value: "off"},
	}))

	record, ok, err := st.LatestData(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2000), record.Timestamp)
	assert.Equal(t, "off", record.Value)
}

func TestDataRangeBounds(t *testing.T) {
	st := openStore(t)

	id, err := st.InsertItem("sensor1", "temperature", 0, 0)
	require.NoError(t, err)

	require.NoError(t, st.InsertDataBatch([]store.DataRecord{
		{ItemID: id, Timestamp: 1000, Value: "1"},
		{ItemID: id, Timestamp: 2000, Value: "2"},
		{ItemID: id, Timestamp: 3000, Value: "3"},
	}))

	// Bounds are (start, end]: the start record itself is excluded,
	// the end record included.
	records, err := st.DataRange(id, 1000, 3000)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2", records[0].Value)
	assert.Equal(t, "3", records[1].Value)

	records, err = st.DataRange(id, 0, 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestPurgeKeepsNewestPerItem(t *testing.T) {
	st := openStore(t)

	first, err := st.InsertItem("sensor1", "temperature", 0, 0)
	require.NoError(t, err)
	second, err := st.InsertItem("sensor2", "temperature", 0, 0)
	require.NoError(t, err)

	require.NoError(t, st.InsertDataBatch([]store.DataRecord{
		{ItemID: first, Timestamp: 1000, Value: "1"},
		{ItemID: first, Timestamp: 2000, Value: "2"},
		{ItemID: second, Timestamp: 1500, Value: "9"},
	}))

	require.NoError(t, st.Purge(5000))

	firstData, err := st.DataRange(first, 0, 0)
	require.NoError(t, err)
	require.Len(t, firstData, 1)
	assert.Equal(t, "2", firstData[0].Value)

	secondData, err := st.DataRange(second, 0, 0)
	require.NoError(t, err)
	require.Len(t, secondData, 1)
	assert.Equal(t, "9", secondData[0].Value)
}

func TestDataIndexCreation(t *testing.T) {
	st := openStore(t)

	exists, err := st.HasDataIndex()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, st.CreateDataIndex())

	exists, err = st.HasDataIndex()
	require.NoError(t, err)
	assert.True(t, exists)

	// Creating again must be a no-op.
	require.NoError(t, st.CreateDataIndex())
}
