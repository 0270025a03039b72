package queue

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/google/uuid"
)

// Outcome is the terminal result of a transaction.
type Outcome struct {
	Err      error
	Results  []ActionResult
	Started  time.Time
	Finished time.Time
}

// Success reports whether the transaction completed without failure.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// ActionError describes the first failed action of a transaction.
type ActionError struct {
	Index int
	Kind  ActionKind
	Err   error
}

func (e *ActionError) Error() string {
	return "action " + strconv.Itoa(e.Index) + " (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// TransactionError describes a failed transaction. It matches
// errorkinds.ErrTransactionFailed and the first action failure.
type TransactionError struct {
	ID     uuid.UUID
	Name   string
	Action *ActionError
}

func (e *TransactionError) Error() string {
	sb := strings.Builder{}

	sb.WriteString("transaction ")
	sb.WriteString(e.Name)
	sb.WriteString(" failed")
	if e.Action != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Action.Error())
	}

	return sb.String()
}

func (e *TransactionError) Unwrap() []error {
	if e.Action == nil {
		return []error{errorkinds.ErrTransactionFailed}
	}

	return []error{errorkinds.ErrTransactionFailed, e.Action}
}

// Transaction is an ordered, named group of actions treated as one unit.
type Transaction struct {
	id      uuid.UUID
	name    string
	actions []*Action
	created time.Time

	continueOnError bool
	expectsResponse bool
	abortable       bool
	compensating    bool

	sealed  atomic.Bool
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

var _ bluetooth.Pending = (*Transaction)(nil)

// NewTransaction returns a new transaction with the given actions.
func NewTransaction(name string, actions ...*Action) *Transaction {
	return &Transaction{
		id:      uuid.New(),
		name:    name,
		actions: actions,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

// Add appends actions. It panics once the transaction is queued.
func (t *Transaction) Add(actions ...*Action) *Transaction {
	t.mustNotBeSealed()
	t.actions = append(t.actions, actions...)

	return t
}

// ContinueOnError keeps executing actions after a failed one.
func (t *Transaction) ContinueOnError() *Transaction {
	t.mustNotBeSealed()
	t.continueOnError = true

	return t
}

// ExpectResponse marks the transaction as coupled to an inbound reply.
func (t *Transaction) ExpectResponse() *Transaction {
	t.mustNotBeSealed()
	t.expectsResponse = true

	return t
}

// Abortable allows a compensating transaction to cancel this one while it
// is executing.
func (t *Transaction) Abortable() *Transaction {
	t.mustNotBeSealed()
	t.abortable = true

	return t
}

// ID returns the transaction identifier.
func (t *Transaction) ID() uuid.UUID {
	return t.id
}

// Name returns the transaction name.
func (t *Transaction) Name() string {
	return t.name
}

// Actions returns the actions of the transaction.
func (t *Transaction) Actions() []*Action {
	return t.actions
}

// ExpectsResponse reports whether the transaction waits for a reply.
func (t *Transaction) ExpectsResponse() bool {
	return t.expectsResponse
}

// Compensating reports whether the transaction was queued through Abort.
func (t *Transaction) Compensating() bool {
	return t.compensating
}

// Done is closed once the outcome is known.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the outcome is known or ctx ends.
func (t *Transaction) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.outcome.Err

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome returns the terminal outcome. It is only valid after Done is closed.
func (t *Transaction) Outcome() Outcome {
	select {
	case <-t.done:
		return t.outcome

	default:
		return Outcome{}
	}
}

func (t *Transaction) mustNotBeSealed() {
	if t.sealed.Load() {
		panic("queue: transaction " + t.name + " modified after enqueue")
	}
}

func (t *Transaction) seal() {
	t.sealed.Store(true)
}

func (t *Transaction) resolve(o Outcome) bool {
	resolved := false
	t.once.Do(func() {
		if o.Finished.IsZero() {
			o.Finished = time.Now()
		}

		t.outcome = o
		resolved = true
		close(t.done)
	})

	return resolved
}

func (t *Transaction) execute(ctx context.Context, link bluetooth.Link, timeout time.Duration) Outcome {
	outcome := Outcome{
		Started: time.Now(),
		Results: make([]ActionResult, len(t.actions)),
	}

	var failure *ActionError
	for i, action := range t.actions {
		if action.kind != ActionAbort {
			if cause := context.Cause(ctx); cause != nil {
				if failure == nil {
					failure = &ActionError{Index: i, Kind: action.kind, Err: cause}
				}

				continue
			}
		}

		err := action.execute(ctx, link, timeout)
		outcome.Results[i] = action.Result()
		if err == nil {
			continue
		}

		if failure == nil {
			failure = &ActionError{Index: i, Kind: action.kind, Err: err}
		}
		// Once cancelled, only compensating writes still run.
		if !t.continueOnError && context.Cause(ctx) == nil {
			break
		}
	}

	for i, action := range t.actions {
		if !outcome.Results[i].Executed {
			outcome.Results[i].Kind = action.kind
		}
	}

	if failure != nil {
		outcome.Err = &TransactionError{ID: t.id, Name: t.name, Action: failure}
	}
	outcome.Finished = time.Now()

	return outcome
}
