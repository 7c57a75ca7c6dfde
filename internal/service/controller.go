package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/homerecorder/internal/bus"
	"codeberg.org/mutker/homerecorder/internal/config"
	"codeberg.org/mutker/homerecorder/internal/directory"
	"codeberg.org/mutker/homerecorder/internal/errors"
	"codeberg.org/mutker/homerecorder/internal/logger"
	"codeberg.org/mutker/homerecorder/internal/recorder"
)

const (
	serviceName    = "recorder"
	serviceVersion = "1.0.0"

	messageBacklog = 256
)

// ErrRestart is returned by Run when a restart was requested over the
// bus; the process should exit with the restart exit code.
const ErrRestart = errors.ErrorCode("service_restart_requested")

// Bus is the outbound transport surface the controller needs.
type Bus interface {
	Subscribe(topic string)
	Unsubscribe(topic string)
	Publish(topic string, payload any, retain bool)
}

// Controller ties the directory and the recorder to the bus. All state
// is touched from the single Run goroutine: inbound messages and
// connect events are funneled through channels, and the one-second
// ticker drives the recorder's periodic jobs. Callbacks never run
// concurrently with each other.
type Controller struct {
	cfg       *config.Config
	bus       Bus
	recorder  *recorder.Recorder
	directory *directory.Directory

	messages   chan bus.Message
	connected  chan struct{}
	restart    chan struct{}
	restarting bool
}

func NewController(cfg *config.Config, b Bus, rec *recorder.Recorder, dir *directory.Directory) *Controller {
	c := &Controller{
		cfg:       cfg,
		bus:       b,
		recorder:  rec,
		directory: dir,
		messages:  make(chan bus.Message, messageBacklog),
		connected: make(chan struct{}, 1),
		restart:   make(chan struct{}),
	}

	rec.OnItemAdded(c.itemAdded)

	return c
}

// StatusTopic returns the service's own heartbeat topic, also used as
// the transport's last-will target.
func StatusTopic(cfg *config.Config) string {
	return cfg.MQTT.Prefix + "/service/" + serviceName
}

// BusConnected implements bus.Handler; called from a transport goroutine.
func (c *Controller) BusConnected() {
	select {
	case c.connected <- struct{}{}:
	default:
	}
}

// BusMessage implements bus.Handler; called from a transport goroutine.
func (c *Controller) BusMessage(msg bus.Message) {
	c.messages <- msg
}

// Run is the event loop. It returns when the context is canceled, or
// with ErrRestart after a restart command.
func (c *Controller) Run(ctx context.Context) error {
	errFactory := errors.New()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.restart:
			return errFactory.New(ErrRestart)
		case <-c.connected:
			c.onConnect()
		case msg := <-c.messages:
			c.handleMessage(msg)
		case <-ticker.C:
			c.recorder.Tick(time.Now())
		}
	}
}

func (c *Controller) topic(parts ...string) string {
	return c.cfg.MQTT.Prefix + "/" + strings.Join(parts, "/")
}

func (c *Controller) onConnect() {
	logger.Info().Msg("Connected to message bus")

	c.bus.Subscribe(c.topic("command/" + serviceName))
	c.bus.Subscribe(c.topic("service/#"))

	c.directory.Clear()
	c.publishItems()

	c.bus.Publish(StatusTopic(c.cfg), map[string]any{"status": "online"}, true)
}

func (c *Controller) handleMessage(msg bus.Message) {
	prefix := c.cfg.MQTT.Prefix + "/"
	if !strings.HasPrefix(msg.Topic, prefix) {
		return
	}
	subTopic := msg.Topic[len(prefix):]

	switch {
	case subTopic == "command/"+serviceName:
		c.handleCommand(msg.Topic, msg.Payload)
	case strings.HasPrefix(subTopic, "service/"):
		c.handleService(subTopic[len("service/"):], msg.Payload)
	case strings.HasPrefix(subTopic, "status/"):
		c.handleStatus(subTopic[len("status/"):], msg.Payload)
	case strings.HasPrefix(subTopic, "device/"):
		c.handleAvailability(subTopic[len("device/"):], msg.Payload)
	case strings.HasPrefix(subTopic, "fd/"):
		c.handleProperties(subTopic[len("fd/"):], msg.Payload)
	}
}

func (c *Controller) handleCommand(topic string, payload []byte) {
	var msg commandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	switch msg.Action {
	case cmdRestartService:
		logger.Warn().Msg("Restart request received...")
		c.bus.Publish(topic, map[string]any{}, true)
		// The transport may redeliver; only the first request arms the
		// restart.
		if !c.restarting {
			c.restarting = true
			close(c.restart)
		}

	case cmdUpdateItem:
		if _, _, err := c.recorder.Upsert(msg.Endpoint, msg.Property, asInt64(msg.Debounce), asFloat(msg.Threshold)); err != nil {
			logger.Warn().Err(err).Msg("Update item request failed")
			return
		}
		c.publishItems()

	case cmdRemoveItem:
		if !c.recorder.Remove(msg.Endpoint, msg.Property) {
			logger.Warn().Msg("Remove item request failed")
			return
		}
		c.publishItems()

	case cmdGetData:
		c.handleGetData(msg)
	}
}

func (c *Controller) handleGetData(msg commandMessage) {
	started := time.Now()

	item := c.recorder.Lookup(msg.Endpoint, msg.Property)
	dataList, hourList := c.recorder.Query(item, asInt64(msg.Start), asInt64(msg.End))

	reply := map[string]any{"id": msg.ID}

	if len(hourList) == 0 {
		timestamps := make([]int64, 0, len(dataList))
		values := make([]any, 0, len(dataList))
		for _, record := range dataList {
			timestamps = append(timestamps, record.Timestamp)
			if record.Value == recorder.Unavailable {
				values = append(values, nil)
			} else {
				values = append(values, record.Value)
			}
		}
		reply["timestamp"] = timestamps
		reply["value"] = values
	} else {
		timestamps := make([]int64, 0, len(hourList))
		avg := make([]float64, 0, len(hourList))
		min := make([]float64, 0, len(hourList))
		max := make([]float64, 0, len(hourList))
		for _, record := range hourList {
			timestamps = append(timestamps, record.Timestamp)
			avg = append(avg, record.Avg)
			min = append(min, record.Min)
			max = append(max, record.Max)
		}
		reply["timestamp"] = timestamps
		reply["avg"] = avg
		reply["min"] = min
		reply["max"] = max
	}

	reply["time"] = time.Since(started).Milliseconds()
	c.bus.Publish(c.topic(serviceName), reply, false)
}

func (c *Controller) handleService(service string, payload []byte) {
	typeName, _, _ := strings.Cut(service, "/")
	if _, ok := directory.ParseType(typeName); !ok {
		return
	}

	var msg struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	if msg.Status == "online" {
		c.bus.Subscribe(c.topic("status/" + service))
		return
	}

	// The owning service vanished: record a gap for every item under
	// its devices and drop their subscriptions so stale data cannot
	// linger.
	for _, device := range c.directory.Under(service) {
		for _, item := range c.recorder.ItemsUnder(device.Key()) {
			c.recorder.Insert(item, recorder.Unavailable)
		}

		c.unsubscribeDevice(device.Topic())
		device.ClearTopic()
	}

	c.bus.Unsubscribe(c.topic("status/" + service))
}

func (c *Controller) handleStatus(service string, payload []byte) {
	typeName, _, _ := strings.Cut(service, "/")
	subsystem, ok := directory.ParseType(typeName)
	if !ok {
		return
	}

	var msg struct {
		Devices []directory.DeviceInfo `json:"devices"`
		Names   bool                   `json:"names"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	for _, info := range msg.Devices {
		device, oldTopic, changed := c.directory.Update(subsystem, service, info, msg.Names)
		if device == nil || !changed {
			continue
		}

		if oldTopic != "" {
			c.unsubscribeDevice(oldTopic)
		}

		c.subscribeDevice(device.Topic())
	}
}

func (c *Controller) handleAvailability(search string, payload []byte) {
	device := c.directory.Find(search)
	if device == nil {
		return
	}

	var msg struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	online := msg.Status == "online"
	if device.Available() == online {
		return
	}

	device.SetAvailable(online)

	if online {
		c.requestProperties(device)
		return
	}

	for _, item := range c.recorder.ItemsUnder(device.Key()) {
		c.recorder.Insert(item, recorder.Unavailable)
	}
}

func (c *Controller) handleProperties(search string, payload []byte) {
	device := c.directory.Find(search)
	if device == nil {
		return
	}

	key := device.Key()
	if index := strings.LastIndex(search, "/"); index >= 0 {
		if endpointID, err := strconv.Atoi(search[index+1:]); err == nil && endpointID != 0 {
			key = fmt.Sprintf("%s/%d", key, endpointID)
		}
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	properties := make(map[string]any)
	if err := decoder.Decode(&properties); err != nil {
		return
	}

	for property, value := range properties {
		item := c.recorder.Find(key + "/" + property)
		if item == nil {
			continue
		}

		if c.cfg.Database.Debug {
			logger.Debug().
				Str("key", key).
				Str("property", property).
				Msg("Item found")
		}

		c.recorder.Insert(item, stringify(value))
	}
}

// itemAdded runs when the registry creates a new item: a reachable
// device gets an immediate property refresh, otherwise the device's
// absence is recorded as a gap right away.
func (c *Controller) itemAdded(item *recorder.Item) {
	device := c.directory.Find(item.Endpoint)
	if device == nil || !device.Available() {
		c.recorder.Insert(item, recorder.Unavailable)
		return
	}

	c.requestProperties(device)
}

func (c *Controller) requestProperties(device *directory.Device) {
	c.bus.Publish(c.topic("command/"+device.Service()), map[string]any{
		"action":  "getProperties",
		"device":  device.Name(),
		"service": serviceName,
	}, false)
}

func (c *Controller) publishItems() {
	items := make([]map[string]any, 0)
	for _, item := range c.recorder.Items() {
		items = append(items, map[string]any{
			"endpoint":  item.Endpoint,
			"property":  item.Property,
			"debounce":  item.Debounce,
			"threshold": item.Threshold,
		})
	}

	c.bus.Publish(c.topic("status/"+serviceName), map[string]any{
		"items":     items,
		"timestamp": time.Now().Unix(),
		"version":   serviceVersion,
	}, true)
}

func (c *Controller) subscribeDevice(topic string) {
	c.bus.Subscribe(c.topic("device/" + topic))
	c.bus.Subscribe(c.topic("fd/" + topic))
	c.bus.Subscribe(c.topic("fd/" + topic + "/#"))
}

func (c *Controller) unsubscribeDevice(topic string) {
	c.bus.Unsubscribe(c.topic("device/" + topic))
	c.bus.Unsubscribe(c.topic("fd/" + topic))
	c.bus.Unsubscribe(c.topic("fd/" + topic + "/#"))
}

// stringify renders a decoded JSON value the way it is recorded:
// numbers keep their wire form, booleans become "true"/"false", and
// anything unrepresentable becomes empty.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
