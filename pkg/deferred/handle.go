// Package deferred tracks values a loader hands off unsettled. Each value is
// a Handle that settles exactly once, notifies its subscribers exactly once
// and can cross a server/client boundary as a Placeholder that a later
// Settlement message completes.
package deferred

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/vango-dev/routeloader/internal/errors"
)

// State is the settlement state of a handle.
type State int

const (
	Pending State = iota
	Resolved
	Rejected
)

func (s State) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending", "":
		*s = Pending
	case "resolved":
		*s = Resolved
	case "rejected":
		*s = Rejected
	default:
		return fmt.Errorf("deferred: unknown state %q", b)
	}
	return nil
}

// Settlement is the out-of-band message that settles a handle.
type Settlement struct {
	ID    string          `json:"id"`
	State State           `json:"state"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Placeholder is a handle as written into a payload. A handle already
// settled when the payload is written carries its value inline.
type Placeholder struct {
	ID    string          `json:"id"`
	State State           `json:"state"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Handle is one deferred value.
type Handle struct {
	id    string
	owner string
	name  string

	mu    sync.Mutex
	state State
	value any
	err   error
	subs  map[int]func(*Handle)
	next  int
	done  chan struct{}

	cancel context.CancelFunc
}

func newHandle(id, owner, name string) *Handle {
	return &Handle{
		id:    id,
		owner: owner,
		name:  name,
		subs:  make(map[int]func(*Handle)),
		done:  make(chan struct{}),
	}
}

func (h *Handle) ID() string    { return h.id }
func (h *Handle) Owner() string { return h.owner }
func (h *Handle) Name() string  { return h.name }

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed when the handle settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the settled value or error. ok is false while pending.
func (h *Handle) Result() (value any, err error, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.err, h.state != Pending
}

// Await blocks until the handle settles or ctx is done. Every caller of a
// rejected handle receives the same error. Handles adopted from a
// placeholder resolve to a json.RawMessage.
func (h *Handle) Await(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers fn to be called once when the handle settles. If the
// handle already settled, fn is called immediately.
func (h *Handle) Subscribe(fn func(*Handle)) (unsubscribe func()) {
	h.mu.Lock()
	if h.state != Pending {
		h.mu.Unlock()
		fn(h)
		return func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// settle transitions the handle out of Pending. It reports false if the
// handle was already settled.
func (h *Handle) settle(state State, value any, err error) bool {
	h.mu.Lock()
	if h.state != Pending {
		h.mu.Unlock()
		return false
	}
	h.state = state
	h.value = value
	h.err = err
	subs := make([]func(*Handle), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.subs = nil
	close(h.done)
	h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	for _, fn := range subs {
		fn(h)
	}
	return true
}

// Placeholder returns the payload form of the handle.
func (h *Handle) Placeholder() (Placeholder, error) {
	s, err := h.Settlement()
	if err != nil {
		return Placeholder{}, err
	}
	return Placeholder(s), nil
}

// Settlement returns the message that settles the handle elsewhere. While
// the handle is pending the message carries only the id and state.
func (h *Handle) Settlement() (Settlement, error) {
	h.mu.Lock()
	state, value, herr := h.state, h.value, h.err
	h.mu.Unlock()

	s := Settlement{ID: h.id, State: state}
	switch state {
	case Resolved:
		raw, err := encodeValue(value)
		if err != nil {
			return Settlement{}, errors.New("E152").WithDetail("deferred value could not be encoded").Wrap(err)
		}
		s.Value = raw
	case Rejected:
		s.Error = rejectionMessage(herr)
	}
	return s, nil
}

func encodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// rejectionMessage is the text of a rejection without the registry prefix,
// so a rejection relayed through several hops does not accumulate codes.
func rejectionMessage(err error) string {
	if err == nil {
		return ""
	}
	var re *errors.Error
	if stderrors.As(err, &re) && re.Code == "E152" {
		if re.Wrapped != nil {
			return re.Wrapped.Error()
		}
		if re.Detail != "" {
			return re.Detail
		}
	}
	return err.Error()
}

// rejection wraps a deferred function's error.
func rejection(err error) error {
	var re *errors.Error
	if stderrors.As(err, &re) && re.Code == "E152" {
		return err
	}
	return errors.New("E152").Wrap(err)
}
