package command

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
	"rointe_sync/internal/repository"
	"rointe_sync/internal/rest"
	"rointe_sync/internal/store"

	"github.com/google/uuid"
)

// Sender delivers a vendor patch. *rest.Client implements it.
type Sender interface {
	SendCommand(ctx context.Context, deviceID string, patch map[string]any) error
}

// State is the part of the store the dispatcher touches. *store.Store implements it.
type State interface {
	Get(deviceID string) (models.Device, bool)
	ApplyOptimistic(deviceID string, fields map[models.Field]any) error
	Revert(deviceID string, fields []models.Field) error
}

// Dispatcher validates user commands, applies them optimistically and sends
// them to the vendor. Commands for the same device are serialized.
type Dispatcher struct {
	state  State
	sender Sender
	audit  repository.CommandLog
	log    *logger.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDispatcher builds a dispatcher. audit may be nil.
func NewDispatcher(state State, sender Sender, audit repository.CommandLog, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		state:  state,
		sender: sender,
		audit:  audit,
		log:    log.Named("command"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetMode switches a device to one of off, comfort, eco or ice.
func (d *Dispatcher) SetMode(ctx context.Context, deviceID string, mode models.Mode) error {
	unlock := d.lock(deviceID)
	defer unlock()

	dev, ok := d.state.Get(deviceID)
	if !ok {
		return &Error{Kind: UnknownDevice, Err: errors.New(deviceID)}
	}
	if !mode.Valid() {
		err := newError(OutOfRange, "unknown mode %q", mode)
		d.record(ctx, deviceID, models.CommandSetMode, models.CommandRejected, err, nil)
		return err
	}
	return d.dispatch(ctx, dev, models.CommandSetMode, models.ModeFields(mode, dev.State), models.ModePatch(mode))
}

// SetHVACMode maps heat/off onto a vendor mode. Heat resumes the last preset.
func (d *Dispatcher) SetHVACMode(ctx context.Context, deviceID string, h models.HVACMode) error {
	dev, ok := d.state.Get(deviceID)
	if !ok {
		return &Error{Kind: UnknownDevice, Err: errors.New(deviceID)}
	}
	if h != models.HVACOff && h != models.HVACHeat {
		return newError(OutOfRange, "unknown hvac mode %q", h)
	}
	return d.SetMode(ctx, deviceID, models.ModeForHVAC(h, dev.State))
}

// SetTemperature writes a new target into the device's active preset.
// The value must lie within the range of the current mode.
func (d *Dispatcher) SetTemperature(ctx context.Context, deviceID string, value float64) error {
	unlock := d.lock(deviceID)
	defer unlock()

	dev, ok := d.state.Get(deviceID)
	if !ok {
		return &Error{Kind: UnknownDevice, Err: errors.New(deviceID)}
	}
	mode := dev.State.Mode
	r, ok := models.RangeFor(mode)
	if !ok {
		err := newError(OutOfRange, "temperature cannot be set in mode %s", mode)
		d.record(ctx, deviceID, models.CommandSetTemperature, models.CommandRejected, err, nil)
		return err
	}
	if !r.Contains(value) {
		err := newError(OutOfRange, "%.1f outside %.0f-%.0f for mode %s", value, r.Min, r.Max, mode)
		d.record(ctx, deviceID, models.CommandSetTemperature, models.CommandRejected, err, nil)
		return err
	}
	return d.dispatch(ctx, dev, models.CommandSetTemperature, models.TemperatureFields(mode, value), models.TemperaturePatch(mode, value))
}

// SetScheduleMode switches between the device's weekly program (auto) and
// manual control.
func (d *Dispatcher) SetScheduleMode(ctx context.Context, deviceID string, auto bool) error {
	unlock := d.lock(deviceID)
	defer unlock()

	dev, ok := d.state.Get(deviceID)
	if !ok {
		return &Error{Kind: UnknownDevice, Err: errors.New(deviceID)}
	}
	return d.dispatch(ctx, dev, models.CommandSetSchedule, models.ScheduleModeFields(auto), models.ScheduleModePatch(auto))
}

func (d *Dispatcher) dispatch(ctx context.Context, dev models.Device, typ string, fields map[models.Field]any, patch map[string]any) error {
	if err := d.state.ApplyOptimistic(dev.ID, fields); err != nil {
		if errors.Is(err, store.ErrUnknownDevice) {
			return &Error{Kind: UnknownDevice, Err: err}
		}
		return &Error{Kind: Rejected, Err: err}
	}

	err := d.sender.SendCommand(ctx, dev.ID, patch)
	if err == nil {
		d.log.Infow("command_sent", "device_id", dev.ID, "type", typ)
		d.record(ctx, dev.ID, typ, models.CommandSent, nil, patch)
		return nil
	}

	written := make([]models.Field, 0, len(fields))
	for f := range fields {
		written = append(written, f)
	}
	if rerr := d.state.Revert(dev.ID, models.SortFields(written)); rerr != nil {
		d.log.Errorw("command_revert_failed", "device_id", dev.ID, "err", rerr)
	}

	cerr := classify(err)
	outcome := models.CommandFailed
	if cerr.Kind == Rejected || cerr.Kind == UnknownDevice {
		outcome = models.CommandRejected
	}
	d.log.Warnw("command_failed", "device_id", dev.ID, "type", typ, "kind", cerr.Kind.String(), "err", err)
	d.record(ctx, dev.ID, typ, outcome, err, patch)
	return cerr
}

// classify maps a send failure onto a command error kind.
func classify(err error) *Error {
	var re *rest.Error
	if errors.As(err, &re) {
		if re.Status == http.StatusNotFound {
			return &Error{Kind: UnknownDevice, Err: err}
		}
		switch re.Kind {
		case rest.BadRequest, rest.Unauthorized:
			return &Error{Kind: Rejected, Err: err}
		}
		return &Error{Kind: Unavailable, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Unavailable, Err: err}
	}
	return &Error{Kind: Rejected, Err: err}
}

func (d *Dispatcher) record(ctx context.Context, deviceID, typ, outcome string, cause error, patch map[string]any) {
	if d.audit == nil {
		return
	}
	rec := models.CommandRecord{
		CommandID:  uuid.NewString(),
		OccurredAt: d.now().UTC(),
		DeviceID:   deviceID,
		Type:       typ,
		Outcome:    outcome,
		Payload:    patch,
	}
	if cause != nil {
		rec.Detail = cause.Error()
	}
	// the caller may already be gone; the record still belongs in the log
	if err := d.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		d.log.Errorw("command_log_append_failed", "command_id", rec.CommandID, "err", err)
	}
}

func (d *Dispatcher) lock(deviceID string) func() {
	d.mu.Lock()
	l, ok := d.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[deviceID] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}
