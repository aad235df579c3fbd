// Package telemetry writes heater power and temperature readings to InfluxDB.
package telemetry

import (
	"context"
	"time"

	"rointe_sync/internal/config"
	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	measurement     = "heater_energy"
	subscribeBuffer = 128
	writeTimeout    = 10 * time.Second
)

// Writer is satisfied by api.WriteAPIBlocking.
type Writer interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Source provides the change stream.
type Source interface {
	Subscribe(buffer int) (<-chan models.DeviceChanged, func())
}

// Sink turns device changes into points.
type Sink struct {
	writer Writer
	source Source
	close  func()
	log    *logger.Logger
	now    func() time.Time
}

// NewInfluxSink connects to the configured InfluxDB v2 bucket.
func NewInfluxSink(cfg config.InfluxConfig, source Source, log *logger.Logger) *Sink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := NewSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), source, log)
	s.close = client.Close
	return s
}

func NewSink(w Writer, source Source, log *logger.Logger) *Sink {
	return &Sink{
		writer: w,
		source: source,
		close:  func() {},
		log:    log.Named("telemetry"),
		now:    time.Now,
	}
}

// Run writes a point for every change touching an energy or temperature
// field. Write failures are logged and the stream keeps going.
func (s *Sink) Run(ctx context.Context) error {
	events, unsubscribe := s.source.Subscribe(subscribeBuffer)
	defer unsubscribe()
	defer s.close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p, ok := s.pointFor(ev)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.writer.WritePoint(wctx, p)
			cancel()
			if err != nil {
				s.log.Warnw("influx_write_failed", "device_id", ev.DeviceID, "err", err)
			}
		}
	}
}

func (s *Sink) pointFor(ev models.DeviceChanged) (*write.Point, bool) {
	if ev.Removed || !touchesTelemetry(ev) {
		return nil, false
	}
	d := ev.Device
	ts := d.State.LastUpdate
	if ts.IsZero() {
		ts = s.now()
	}
	return write.NewPoint(
		measurement,
		map[string]string{
			"device_id": d.ID,
			"zone":      d.ZoneID,
			"category":  string(d.Category),
		},
		map[string]any{
			"power_w":        d.State.PowerConsumption,
			"energy_kwh":     d.State.EnergyConsumption,
			"current_temp_c": d.State.CurrentTemperature,
			"target_temp_c":  d.State.TargetTemperature,
		},
		ts.UTC(),
	), true
}

// touchesTelemetry reports whether the change carries a measured value.
// Optimistic writes and reverts are local guesses and never recorded.
func touchesTelemetry(ev models.DeviceChanged) bool {
	if ev.Source == models.SourceOptimistic || ev.Source == models.SourceRevert {
		return false
	}
	for _, f := range ev.Fields {
		switch f {
		case models.FieldPowerConsumption, models.FieldEnergyConsumption,
			models.FieldCurrentTemperature, models.FieldTargetTemperature:
			return true
		}
	}
	return false
}
