// Package command implements the Control Layer's safety-gated outbound
// command path (spec §4.6): validate, consult the Safety Gate, publish, and
// audit every outcome.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modax/controllayer/internal/apierr"
	"github.com/modax/controllayer/internal/bus"
	"github.com/modax/controllayer/internal/registry"
	"github.com/modax/controllayer/internal/safety"
)

// Allowed command_type values (spec §4.6 step 1: "command_type ∈ allowed
// set"). The spec leaves the set implementation-defined; these are the
// operations the example CommandRequest ("start") and a device's normal
// lifecycle imply.
var allowedCommandTypes = map[string]bool{
	"start":  true,
	"stop":   true,
	"pause":  true,
	"resume": true,
	"reset":  true,
}

const (
	maxParameterKeyLen   = 64
	maxParameterValueLen = 256
	maxParameterCount    = 32
)

// MetricsSink receives Command Dispatcher observability events (spec
// §4.10's commands_dispatched_total{result}).
type MetricsSink interface {
	ObserveDispatch(result string)
}

// NopMetricsSink discards every observation.
type NopMetricsSink struct{}

func (NopMetricsSink) ObserveDispatch(string) {}

// Auditor records security-audit events. The audit ledger satisfies this
// directly; it is the same shape registry.Auditor uses.
type Auditor interface {
	Record(eventType, severity, actor, action string, context map[string]interface{}) error
}

// Publisher is the subset of bus.Transport the Dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
}

// Dispatcher validates and publishes control commands, refusing any the
// Safety Gate disallows (spec §4.6).
type Dispatcher struct {
	reg     *registry.Registry
	gate    *safety.Gate
	bus     Publisher
	auditor Auditor
	metrics MetricsSink
}

// New constructs a Dispatcher. auditor/metrics may be nil.
func New(reg *registry.Registry, gate *safety.Gate, transport Publisher, auditor Auditor, metrics MetricsSink) *Dispatcher {
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	return &Dispatcher{reg: reg, gate: gate, bus: transport, auditor: auditor, metrics: metrics}
}

// Result reports how a dispatched command was handled.
type Result struct {
	Published bool
}

// Dispatch validates req, consults the Safety Gate, and publishes to
// modax/control/commands on success (spec §4.6 steps 1-4). actor identifies
// who issued the command for the audit trail (e.g. "apikey:<id>").
func (d *Dispatcher) Dispatch(ctx context.Context, req bus.CommandRequest, actor string) (Result, error) {
	if err := d.validate(req); err != nil {
		return Result{}, err
	}

	if !d.gate.Evaluate() {
		d.audit("control_blocked", "warning", actor, req, nil)
		d.metrics.ObserveDispatch("blocked")
		return Result{}, apierr.SafetyRefused("device %s: safety gate refused command %q", req.DeviceID, req.CommandType)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.KindInternal, "encode command", err)
	}

	topic := fmt.Sprintf("%s/%s", bus.TopicControlCommands, req.DeviceID)
	if err := d.bus.Publish(ctx, topic, payload, bus.QoSControlCommands); err != nil {
		d.audit("control_failed", "critical", actor, req, map[string]interface{}{"error": err.Error()})
		d.metrics.ObserveDispatch("failed")
		return Result{}, apierr.Wrap(apierr.KindPublish, "publish control command", err)
	}

	d.audit("control_executed", "info", actor, req, nil)
	d.metrics.ObserveDispatch("executed")
	return Result{Published: true}, nil
}

func (d *Dispatcher) validate(req bus.CommandRequest) error {
	if req.DeviceID == "" {
		return apierr.Validation("command missing device_id")
	}
	if !d.reg.Known(req.DeviceID) {
		return apierr.NotFound("unknown device %s", req.DeviceID)
	}
	if !allowedCommandTypes[req.CommandType] {
		return apierr.Validation("device %s: command_type %q is not allowed", req.DeviceID, req.CommandType)
	}
	if len(req.Parameters) > maxParameterCount {
		return apierr.Validation("device %s: too many parameters (%d > %d)", req.DeviceID, len(req.Parameters), maxParameterCount)
	}
	for k, v := range req.Parameters {
		if len(k) > maxParameterKeyLen || len(v) > maxParameterValueLen {
			return apierr.Validation("device %s: parameter %q exceeds size bound", req.DeviceID, k)
		}
	}
	return nil
}

func (d *Dispatcher) audit(eventType, severity, actor string, req bus.CommandRequest, extra map[string]interface{}) {
	if d.auditor == nil {
		return
	}
	ctx := map[string]interface{}{
		"device_id":    req.DeviceID,
		"command_type": req.CommandType,
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		ctx[k] = v
	}
	_ = d.auditor.Record(eventType, severity, actor, "dispatch_command", ctx)
}
