// Package gateway answers the ajax read and write requests against a device link.
package gateway

import (
	"context"
	"errors"

	"homeautomation-gateway/internal/calibration"
	"homeautomation-gateway/internal/query"
)

// DeviceLink is the board connection as seen by the dispatchers. Every method
// must be safe for concurrent use.
type DeviceLink interface {
	Attached(ctx context.Context) (bool, error)
	SensorValue(ctx context.Context, index int) (int, error)
	SensorRawValue(ctx context.Context, index int) (int, error)
	OutputState(ctx context.Context, index int) (bool, error)
	SetOutputState(ctx context.Context, index int, state bool) error
}

// Dispatcher holds no per-request state.
type Dispatcher struct {
	link  DeviceLink
	table *calibration.Table
}

func NewDispatcher(link DeviceLink, table *calibration.Table) *Dispatcher {
	if table == nil {
		table = calibration.Default()
	}
	return &Dispatcher{link: link, table: table}
}

// Read answers a get_data query. The returned reply is always the body to
// send; err carries the failure kind for logging.
func (d *Dispatcher) Read(ctx context.Context, rawQuery string) (string, error) {
	if err := d.gate(ctx, "read"); err != nil {
		return ReplyNotAvailable, err
	}

	token, err := query.Parse(rawQuery)
	if err != nil {
		return ReplyError, &E{C: QueryTooLong, Op: "read", Err: err}
	}

	desc, ok := d.table.Resolve(token)
	if !ok {
		return ReplyUnknownQuery, &E{C: UnknownCommand, Op: "read " + quote(token)}
	}

	raw, err := d.readChannel(ctx, desc)
	if err != nil {
		return ReplyUnknownQuery, &E{C: ChannelReadFailure, Op: "read " + desc.Name(), Err: err}
	}
	return desc.Format(raw), nil
}

func (d *Dispatcher) readChannel(ctx context.Context, desc calibration.Descriptor) (int, error) {
	switch desc.Mode {
	case calibration.Processed:
		return d.link.SensorValue(ctx, desc.Index)
	case calibration.Raw:
		return d.link.SensorRawValue(ctx, desc.Index)
	case calibration.OutputState:
		on, err := d.link.OutputState(ctx, desc.Index)
		if err != nil {
			return 0, err
		}
		if on {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.New("unsupported read mode " + desc.Mode.String())
}

// Write answers a send_message query. A successful write has an empty reply,
// as does a write the device rejects.
func (d *Dispatcher) Write(ctx context.Context, rawQuery string) (string, error) {
	if err := d.gate(ctx, "write"); err != nil {
		return "", err
	}

	token, err := query.Parse(rawQuery)
	if err != nil {
		return ReplyError, &E{C: QueryTooLong, Op: "write", Err: err}
	}

	sw, ok := d.table.ResolveWrite(token)
	if !ok {
		return ReplyUnknownQuery, &E{C: UnknownCommand, Op: "write " + quote(token)}
	}

	if err := d.link.SetOutputState(ctx, sw.Index, sw.State); err != nil {
		return "", &E{C: ChannelWriteFailure, Op: "write " + sw.Name(), Err: err}
	}
	return "", nil
}

// gate fails with DeviceUnreachable unless the board reports itself attached.
func (d *Dispatcher) gate(ctx context.Context, op string) error {
	attached, err := d.link.Attached(ctx)
	if err != nil {
		return &E{C: DeviceUnreachable, Op: op, Err: err}
	}
	if !attached {
		return &E{C: DeviceUnreachable, Op: op}
	}
	return nil
}

// quote shortens client-supplied text before it reaches the log.
func quote(token string) string {
	if len(token) > 32 {
		token = token[:32] + "..."
	}
	return "\"" + token + "\""
}
