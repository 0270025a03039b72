package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"go.uber.org/zap/zapcore"
)

// ActionKind describes the kind of link operation an action performs.
type ActionKind uint8

const (
	ActionWrite ActionKind = iota
	ActionRead
	ActionWait
	ActionNotify
	ActionAwait
	ActionAbort
)

func (k ActionKind) String() string {
	switch k {
	case ActionWrite:
		return "write"
	case ActionRead:
		return "read"
	case ActionWait:
		return "wait"
	case ActionNotify:
		return "notify"
	case ActionAwait:
		return "await"
	case ActionAbort:
		return "abort"
	}

	return "action(" + strconv.Itoa(int(k)) + ")"
}

// ReadSink receives the value produced by a read action. A non-nil error
// fails the action as a malformed response.
type ReadSink func(data []byte) error

// AwaitFunc blocks until an expected condition holds or ctx ends.
type AwaitFunc func(ctx context.Context) error

// Action is the smallest unit of link work. An action must not be modified
// once its transaction is queued.
type Action struct {
	kind         ActionKind
	endpoint     bluetooth.Endpoint
	payload      []byte
	withResponse bool
	enable       bool
	delay        time.Duration
	timeout      time.Duration

	sink  ReadSink
	await AwaitFunc

	result ActionResult
}

// ActionResult records the execution of an action.
type ActionResult struct {
	Kind     ActionKind
	Executed bool
	Started  time.Time
	Duration time.Duration
	Err      error
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (r ActionResult) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", r.Kind.String())
	enc.AddBool("executed", r.Executed)
	enc.AddDuration("duration", r.Duration)
	if r.Err != nil {
		enc.AddString("error", r.Err.Error())
	}

	return nil
}

// Write returns an action that writes data to the endpoint.
func Write(ep bluetooth.Endpoint, data []byte, withResponse bool) *Action {
	return &Action{kind: ActionWrite, endpoint: ep, payload: data, withResponse: withResponse}
}

// Read returns an action that reads the endpoint and hands the value to sink.
func Read(ep bluetooth.Endpoint, sink ReadSink) *Action {
	return &Action{kind: ActionRead, endpoint: ep, sink: sink}
}

// Wait returns an action that pauses the link for d.
func Wait(d time.Duration) *Action {
	return &Action{kind: ActionWait, delay: d}
}

// Notify returns an action that enables or disables notifications.
func Notify(ep bluetooth.Endpoint, enable bool) *Action {
	return &Action{kind: ActionNotify, endpoint: ep, enable: enable}
}

// Await returns an action that blocks until fn returns.
func Await(fn AwaitFunc) *Action {
	return &Action{kind: ActionAwait, await: fn}
}

// Abort returns a compensating write. It is attempted even when the
// transaction that carries it was cancelled, as long as the link is up.
func Abort(ep bluetooth.Endpoint, data []byte, withResponse bool) *Action {
	return &Action{kind: ActionAbort, endpoint: ep, payload: data, withResponse: withResponse}
}

// WithTimeout sets the timeout of a blocking action.
func (a *Action) WithTimeout(timeout time.Duration) *Action {
	a.timeout = timeout
	return a
}

// Kind returns the action kind.
func (a *Action) Kind() ActionKind {
	return a.kind
}

// Endpoint returns the target endpoint.
func (a *Action) Endpoint() bluetooth.Endpoint {
	return a.endpoint
}

// Payload returns the bytes written by the action, if any.
func (a *Action) Payload() []byte {
	return a.payload
}

// Result returns the recorded execution result.
func (a *Action) Result() ActionResult {
	return a.result
}

func (a *Action) execute(ctx context.Context, link bluetooth.Link, fallback time.Duration) error {
	a.result = ActionResult{Kind: a.kind, Executed: true, Started: time.Now()}
	err := a.run(ctx, link, fallback)
	a.result.Duration = time.Since(a.result.Started)
	a.result.Err = err

	return err
}

func (a *Action) run(ctx context.Context, link bluetooth.Link, fallback time.Duration) error {
	if a.kind == ActionAbort {
		ctx = context.WithoutCancel(ctx)
	}

	if err := context.Cause(ctx); err != nil {
		return err
	}

	if a.kind == ActionWait {
		return a.sleep(ctx)
	}

	timeout := a.timeout
	if timeout <= 0 {
		timeout = fallback
	}

	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeoutCause(ctx, timeout, errorkinds.ErrActionTimeout)
	}
	defer cancel()

	var err error
	switch a.kind {
	case ActionWrite, ActionAbort:
		err = link.WriteFrame(actx, a.endpoint, a.payload, a.withResponse)

	case ActionRead:
		var data []byte
		if data, err = link.ReadFrame(actx, a.endpoint); err == nil && a.sink != nil {
			if serr := a.sink(data); serr != nil {
				err = errors.Join(errorkinds.ErrMalformedResponse, serr)
			}
		}

	case ActionNotify:
		err = link.SetNotify(actx, a.endpoint, a.enable)

	case ActionAwait:
		if a.await == nil {
			return errorkinds.ErrMethodCall
		}
		err = a.await(actx)

	default:
		return errorkinds.ErrMethodCall
	}

	if err == nil {
		return nil
	}

	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	if errors.Is(context.Cause(actx), errorkinds.ErrActionTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return errorkinds.ErrActionTimeout
	}

	return err
}

func (a *Action) sleep(ctx context.Context) error {
	if a.delay <= 0 {
		return nil
	}

	timer := time.NewTimer(a.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil

	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
