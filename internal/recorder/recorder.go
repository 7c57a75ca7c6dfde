package recorder

import (
	"sort"
	"strings"
	"time"

	"codeberg.org/mutker/homerecorder/internal/errors"
	"codeberg.org/mutker/homerecorder/internal/logger"
	"codeberg.org/mutker/homerecorder/internal/store"
)

const (
	hourSeconds = 3600
	daySeconds  = 86400
	dayMillis   = 86400000

	// Once the data table grows past this many rows, a one-time
	// (item_id, timestamp) index is built to keep range scans fast.
	dataIndexLimit = 25000000
)

// Recorder owns the item registry, the ingestion filter, both write
// queues, and the periodic flush, rollup, and purge jobs. All methods
// must be called from a single goroutine; see the controller's event
// loop.
type Recorder struct {
	store *store.Store
	days  int
	debug bool

	items       map[string]*Item
	dataQueue   []store.DataRecord
	hourQueue   []store.HourRecord
	onItemAdded func(*Item)
	indexed     bool
}

// New builds a recorder over an opened store. A nil store puts the
// recorder into a degraded, store-less mode: values are filtered and
// dropped, queries return nothing, and the process keeps serving the
// bus.
func New(st *store.Store, days int, debug bool) (*Recorder, error) {
	errFactory := errors.New()

	r := &Recorder{
		store: st,
		days:  days,
		debug: debug,
		items: make(map[string]*Item),
	}

	if st == nil {
		logger.Warn().Msg("No persistent store, running degraded")
		return r, nil
	}

	rows, err := st.Items()
	if err != nil {
		return nil, errFactory.Wrap(ErrItemLoad, err)
	}

	for _, row := range rows {
		item := &Item{
			ID:        row.ID,
			Endpoint:  row.Endpoint,
			Property:  row.Property,
			Debounce:  row.Debounce,
			Threshold: row.Threshold,
		}
		r.items[item.Key()] = item
	}

	logger.Info().
		Int("items", len(r.items)).
		Int("days", days).
		Msg("Recorder initialized")

	return r, nil
}

// OnItemAdded registers a hook invoked whenever Upsert creates a new
// item, so the caller can request an immediate property refresh.
func (r *Recorder) OnItemAdded(hook func(*Item)) {
	r.onItemAdded = hook
}

// Find returns the item for a composite "endpoint/property" key.
func (r *Recorder) Find(key string) *Item {
	return r.items[key]
}

// Lookup returns the item for an (endpoint, property) pair.
func (r *Recorder) Lookup(endpoint, property string) *Item {
	return r.items[endpoint+"/"+property]
}

// Items returns the registry contents ordered by key.
func (r *Recorder) Items() []*Item {
	items := make([]*Item, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Key() < items[j].Key()
	})

	return items
}

// ItemsUnder returns the items whose key is scoped under a device key.
func (r *Recorder) ItemsUnder(prefix string) []*Item {
	var items []*Item
	for _, item := range r.Items() {
		if strings.HasPrefix(item.Key(), prefix) {
			items = append(items, item)
		}
	}

	return items
}

// Upsert creates an item or updates the policy of an existing one.
// The second return value reports whether the item was created.
func (r *Recorder) Upsert(endpoint, property string, debounce int64, threshold float64) (*Item, bool, error) {
	errFactory := errors.New()

	if r.store == nil {
		return nil, false, errFactory.New(ErrNoStore)
	}

	key := endpoint + "/" + property

	if item, ok := r.items[key]; ok {
		if err := r.store.UpdateItem(item.ID, debounce, threshold); err != nil {
			return nil, false, errFactory.Wrap(ErrItemUpsert, err)
		}

		item.Debounce = debounce
		item.Threshold = threshold

		return item, false, nil
	}

	id, err := r.store.InsertItem(endpoint, property, debounce, threshold)
	if err != nil {
		return nil, false, errFactory.Wrap(ErrItemUpsert, err)
	}

	item := &Item{
		ID:        id,
		Endpoint:  endpoint,
		Property:  property,
		Debounce:  debounce,
		Threshold: threshold,
	}
	r.items[key] = item

	if r.onItemAdded != nil {
		r.onItemAdded(item)
	}

	return item, true, nil
}

// Remove deletes an item and, through the cascading foreign keys, all
// of its data and hour rows. Returns false for an unknown item.
func (r *Recorder) Remove(endpoint, property string) bool {
	key := endpoint + "/" + property

	item, ok := r.items[key]
	if !ok || r.store == nil {
		return false
	}

	if err := r.store.DeleteItem(item.ID); err != nil {
		logger.Error().Err(err).Str("item", key).Msg("Failed to delete item")
		return false
	}

	delete(r.items, key)

	return true
}

// Insert runs an observation through the ingestion filter and, when
// accepted, enqueues a data record stamped with the current time.
func (r *Recorder) Insert(item *Item, value string) {
	r.InsertAt(item, time.Now().UnixMilli(), value)
}

// InsertAt is Insert with an explicit millisecond timestamp.
func (r *Recorder) InsertAt(item *Item, timestamp int64, value string) {
	if item == nil {
		return
	}

	r.rehydrate(item)

	if result := item.filter(timestamp, value); result != Accept {
		if r.debug {
			logger.Debug().
				Str("endpoint", item.Endpoint).
				Str("property", item.Property).
				Str("value", value).
				Str("reason", result.String()).
				Msg("Value ignored")
		}
		return
	}

	r.dataQueue = append(r.dataQueue, store.DataRecord{
		ItemID:    item.ID,
		Timestamp: timestamp,
		Value:     value,
	})

	if r.debug {
		logger.Debug().
			Str("endpoint", item.Endpoint).
			Str("property", item.Property).
			Str("value", value).
			Msg("Record enqueued")
	}

	item.lastTimestamp = timestamp
	item.lastValue = value
}

// rehydrate lazily restores an item's last observation from its newest
// stored record, so duplicate and debounce suppression survive a
// process restart.
func (r *Recorder) rehydrate(item *Item) {
	if item.lastTimestamp != 0 || r.store == nil {
		return
	}

	record, ok, err := r.store.LatestData(item.ID)
	if err != nil {
		logger.Error().Err(err).Str("item", item.Key()).Msg("Failed to rehydrate item")
		return
	}

	if ok {
		item.lastTimestamp = record.Timestamp
		item.lastValue = record.Value
	}
}

// Tick drives the periodic jobs: every call flushes the data queue,
// the hourly boundary runs the rollup, and the first hourly boundary
// of a new local day runs the retention purge.
func (r *Recorder) Tick(now time.Time) {
	if r.store == nil {
		return
	}

	r.flush()

	if now.Unix()%hourSeconds != 0 {
		return
	}

	r.aggregate(now)

	if now.Hour() != 0 {
		return
	}

	r.purge(now)
}

// flush drains the data queue inside one transaction. A failed batch
// is dropped, not retried: the upstream transport redelivers state.
func (r *Recorder) flush() {
	if len(r.dataQueue) == 0 {
		return
	}

	if err := r.store.InsertDataBatch(r.dataQueue); err != nil {
		logger.Error().Err(err).Int("records", len(r.dataQueue)).Msg("Flush failed, batch lost")
	}

	r.dataQueue = r.dataQueue[:0]
}

// aggregate reduces the completed hour into one (avg, min, max) row
// per item and drains the hour queue.
func (r *Recorder) aggregate(now time.Time) {
	started := time.Now()
	timestamp := now.Unix()

	r.ensureDataIndex()

	records, err := r.store.DataSince((timestamp - hourSeconds) * 1000)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read hour window")
		return
	}

	values := make(map[int64][]float64)
	for _, record := range records {
		value := ParseValue(record.Value)
		if num, ok := value.Number(); ok && !value.IsGap() {
			values[record.ItemID] = append(values[record.ItemID], num)
		}
	}

	for _, item := range r.Items() {
		if numbers := values[item.ID]; len(numbers) > 0 {
			r.hourQueue = append(r.hourQueue, summarize(item.ID, timestamp*1000, numbers))
			continue
		}

		// No numeric observations this hour. Skip the item while it
		// is unavailable, otherwise carry the previous summary
		// forward so categorical items keep a continuous series.
		latest, ok, err := r.store.LatestData(item.ID)
		if err != nil || !ok || latest.Value == Unavailable {
			continue
		}

		previous, ok, err := r.store.LatestHour(item.ID)
		if err != nil || !ok {
			continue
		}

		r.hourQueue = append(r.hourQueue, store.HourRecord{
			ItemID:    item.ID,
			Timestamp: timestamp * 1000,
			Avg:       previous.Avg,
			Min:       previous.Min,
			Max:       previous.Max,
		})
	}

	if err := r.store.InsertHourBatch(r.hourQueue); err != nil {
		logger.Error().Err(err).Int("records", len(r.hourQueue)).Msg("Hour flush failed, batch lost")
	}
	r.hourQueue = r.hourQueue[:0]

	logger.Info().
		Int64("elapsed_ms", time.Since(started).Milliseconds()).
		Msg("Hour data stored")
}

func summarize(itemID, timestamp int64, numbers []float64) store.HourRecord {
	record := store.HourRecord{
		ItemID:    itemID,
		Timestamp: timestamp,
		Min:       numbers[0],
		Max:       numbers[0],
	}

	sum := 0.0
	for _, num := range numbers {
		sum += num
		if num < record.Min {
			record.Min = num
		}
		if num > record.Max {
			record.Max = num
		}
	}
	record.Avg = sum / float64(len(numbers))

	return record
}

// ensureDataIndex builds the range-scan index once the data table has
// grown past the limit. The check is cheap and the build happens once.
func (r *Recorder) ensureDataIndex() {
	if r.indexed {
		return
	}

	if exists, err := r.store.HasDataIndex(); err != nil || exists {
		r.indexed = exists
		return
	}

	count, err := r.store.DataCount()
	if err != nil || count <= dataIndexLimit {
		return
	}

	if err := r.store.CreateDataIndex(); err != nil {
		logger.Error().Err(err).Msg("Failed to create data index")
		return
	}

	logger.Info().Int64("records", count).Msg("Data index created")
	r.indexed = true
}

// purge deletes raw records older than the retention window, keeping
// each item's newest record so the last-known value survives. Hour
// rows are never purged.
func (r *Recorder) purge(now time.Time) {
	before := (now.Unix() - int64(r.days)*daySeconds) * 1000

	if err := r.store.Purge(before); err != nil {
		logger.Error().Err(err).Msg("Purge failed")
		return
	}

	logger.Info().Int("days", r.days).Msg("Retention purge completed")
}

// Query answers a range request, choosing raw records when start falls
// within the retention window and hourly summaries otherwise. Exactly
// one of the returned slices is populated.
func (r *Recorder) Query(item *Item, start, end int64) ([]store.DataRecord, []store.HourRecord) {
	if item == nil || r.store == nil {
		return nil, nil
	}

	if start != 0 && int64(r.days) >= (time.Now().UnixMilli()-start)/dayMillis {
		return r.queryData(item, start, end), nil
	}

	return nil, r.queryHours(item, start, end)
}

func (r *Recorder) queryData(item *Item, start, end int64) []store.DataRecord {
	var records []store.DataRecord

	// Seed with the newest record at or before start for chart
	// continuity.
	if seed, ok, err := r.store.DataAt(item.ID, start); err == nil && ok {
		records = append(records, seed)
	}

	rows, err := r.store.DataRange(item.ID, start, end)
	if err != nil {
		logger.Error().Err(err).Str("item", item.Key()).Msg("Range query failed")
		return records
	}

	var last int64
	for _, row := range rows {
		if row.Timestamp < last {
			continue
		}
		records = append(records, row)
		last = row.Timestamp
	}

	return records
}

func (r *Recorder) queryHours(item *Item, start, end int64) []store.HourRecord {
	rows, err := r.store.HourRange(item.ID, start, end)
	if err != nil {
		logger.Error().Err(err).Str("item", item.Key()).Msg("Range query failed")
		return nil
	}

	var records []store.HourRecord
	var last int64
	for _, row := range rows {
		if row.Timestamp < last {
			continue
		}
		records = append(records, row)
		last = row.Timestamp
	}

	return records
}
