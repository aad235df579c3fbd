// Package mqtt mirrors device state to an MQTT broker and accepts commands
// published back to per-device set topics.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
)

const (
	stateOnline  = "online"
	stateOffline = "offline"

	subscribeBuffer = 64
	commandTimeout  = 30 * time.Second
)

// Source provides the device list and the change stream.
type Source interface {
	Devices() []models.Device
	Subscribe(buffer int) (<-chan models.DeviceChanged, func())
}

// Control executes commands received on set topics.
type Control interface {
	SetMode(ctx context.Context, deviceID string, mode models.Mode) error
	SetHVACMode(ctx context.Context, deviceID string, h models.HVACMode) error
	SetTemperature(ctx context.Context, deviceID string, value float64) error
	SetScheduleMode(ctx context.Context, deviceID string, auto bool) error
}

// Bridge publishes retained state per device and routes set commands.
type Bridge struct {
	client  Client
	source  Source
	control Control
	prefix  string
	log     *logger.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewBridge(client Client, prefix string, source Source, control Control, log *logger.Logger) *Bridge {
	return &Bridge{
		client:  client,
		source:  source,
		control: control,
		prefix:  strings.TrimSuffix(prefix, "/"),
		log:     log.Named("mqtt_bridge"),
	}
}

// stateMessage is the retained payload on <prefix>/<id>/state.
type stateMessage struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	ZoneID             string          `json:"zone_id"`
	Category           models.Category `json:"category"`
	Mode               models.Mode     `json:"mode"`
	HVACMode           models.HVACMode `json:"hvac_mode"`
	Preset             models.Mode     `json:"preset,omitempty"`
	CurrentTemperature float64         `json:"current_temperature"`
	TargetTemperature  float64         `json:"target_temperature"`
	PowerW             float64         `json:"power_w"`
	EnergyKWh          float64         `json:"energy_kwh"`
	Online             bool            `json:"online"`
	Schedule           bool            `json:"schedule"`
	Pending            []models.Field  `json:"pending,omitempty"`
	LastUpdate         *time.Time      `json:"last_update,omitempty"`
}

// setMessage is accepted on <prefix>/<id>/set. Exactly one field must be set.
type setMessage struct {
	Mode        string   `json:"mode"`
	HVACMode    string   `json:"hvac_mode"`
	Temperature *float64 `json:"temperature"`
	Schedule    *bool    `json:"schedule"`
}

// Run mirrors state until ctx is cancelled or the change stream closes.
func (b *Bridge) Run(ctx context.Context) error {
	events, unsubscribe := b.source.Subscribe(subscribeBuffer)
	defer unsubscribe()

	if err := b.client.Publish(bridgeTopic(b.prefix), true, []byte(stateOnline)); err != nil {
		return fmt.Errorf("publish bridge state: %w", err)
	}
	if err := b.client.Subscribe(b.prefix+"/+/set", b.handler(ctx)); err != nil {
		return fmt.Errorf("subscribe set topics: %w", err)
	}
	for _, d := range b.source.Devices() {
		b.publishState(d)
	}
	b.log.Infow("mqtt_bridge_started", "prefix", b.prefix)

	defer b.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Removed {
				b.clearState(ev.DeviceID)
				continue
			}
			b.publishState(ev.Device)
		}
	}
}

func (b *Bridge) stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.wg.Wait()
	if err := b.client.Publish(bridgeTopic(b.prefix), true, []byte(stateOffline)); err != nil {
		b.log.Warnw("mqtt_publish_failed", "topic", bridgeTopic(b.prefix), "err", err)
	}
	b.client.Disconnect()
	b.log.Infow("mqtt_bridge_stopped")
}

func (b *Bridge) publishState(d models.Device) {
	payload, err := json.Marshal(toStateMessage(d))
	if err != nil {
		b.log.Errorw("mqtt_encode_failed", "device_id", d.ID, "err", err)
		return
	}
	topic := b.deviceTopic(d.ID, "state")
	if err := b.client.Publish(topic, true, payload); err != nil {
		b.log.Warnw("mqtt_publish_failed", "topic", topic, "err", err)
	}
}

// clearState removes the retained message of a device that left the fleet.
func (b *Bridge) clearState(id string) {
	topic := b.deviceTopic(id, "state")
	if err := b.client.Publish(topic, true, nil); err != nil {
		b.log.Warnw("mqtt_publish_failed", "topic", topic, "err", err)
	}
}

func (b *Bridge) handler(ctx context.Context) MessageHandler {
	return func(topic string, payload []byte) {
		id, ok := b.deviceFromSetTopic(topic)
		if !ok {
			return
		}
		var msg setMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.log.Warnw("mqtt_set_invalid", "device_id", id, "err", err)
			return
		}
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}
		b.wg.Add(1)
		b.mu.Unlock()
		// paho delivers on its router goroutine; commands may block on the cloud.
		go func() {
			defer b.wg.Done()
			cctx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			if err := b.apply(cctx, id, msg); err != nil {
				b.log.Warnw("mqtt_set_failed", "device_id", id, "err", err)
			}
		}()
	}
}

var errAmbiguousSet = errors.New("exactly one of mode, hvac_mode, temperature or schedule is required")

func (b *Bridge) apply(ctx context.Context, id string, msg setMessage) error {
	n := 0
	if msg.Mode != "" {
		n++
	}
	if msg.HVACMode != "" {
		n++
	}
	if msg.Temperature != nil {
		n++
	}
	if msg.Schedule != nil {
		n++
	}
	if n != 1 {
		return errAmbiguousSet
	}

	switch {
	case msg.Mode != "":
		m, err := models.ParseMode(msg.Mode)
		if err != nil {
			return err
		}
		return b.control.SetMode(ctx, id, m)
	case msg.HVACMode != "":
		h, err := models.ParseHVACMode(msg.HVACMode)
		if err != nil {
			return err
		}
		return b.control.SetHVACMode(ctx, id, h)
	case msg.Schedule != nil:
		return b.control.SetScheduleMode(ctx, id, *msg.Schedule)
	default:
		return b.control.SetTemperature(ctx, id, *msg.Temperature)
	}
}

func (b *Bridge) deviceTopic(id, leaf string) string {
	return b.prefix + "/" + id + "/" + leaf
}

func (b *Bridge) deviceFromSetTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func bridgeTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/bridge/state"
}

func toStateMessage(d models.Device) stateMessage {
	s := d.State
	msg := stateMessage{
		ID:                 d.ID,
		Name:               d.Name,
		ZoneID:             d.ZoneID,
		Category:           d.Category,
		Mode:               s.Mode,
		HVACMode:           s.Mode.HVAC(),
		Preset:             s.Preset,
		CurrentTemperature: s.CurrentTemperature,
		TargetTemperature:  s.TargetTemperature,
		PowerW:             s.PowerConsumption,
		EnergyKWh:          s.EnergyConsumption,
		Online:             s.Online,
		Schedule:           s.ScheduleMode,
		Pending:            s.Pending,
	}
	if !s.LastUpdate.IsZero() {
		t := s.LastUpdate.UTC()
		msg.LastUpdate = &t
	}
	return msg
}
