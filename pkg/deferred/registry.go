package deferred

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/routeloader/internal/errors"
)

// Sentinel errors, matched with errors.Is.
var (
	ErrAlreadySettled = errors.New("E150")
	ErrUnknownHandle  = errors.New("E151")
	ErrRejected       = errors.New("E152")
	ErrDiscarded      = errors.New("E153")
)

// Func computes a deferred value.
type Func func(ctx context.Context) (any, error)

// Registry owns the deferred handles of one process.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	owners  map[string]map[string]*Handle

	store     Store
	storeWait time.Duration
	logger    *slog.Logger
	newID     func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore saves every settlement to s so late subscribers can replay it.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithIDGenerator replaces the uuid id generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry creates a registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handles:   make(map[string]*Handle),
		owners:    make(map[string]map[string]*Handle),
		storeWait: 5 * time.Second,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "deferred")
	}
	return r
}

// Store returns the settlement store, or nil.
func (r *Registry) Store() Store { return r.store }

// Register starts fn in the background and returns its handle. The handle
// is owned by owner until Discard(owner). fn's context is cancelled when
// ctx is done or the handle is discarded.
func (r *Registry) Register(ctx context.Context, owner, name string, fn Func) *Handle {
	h := newHandle(r.newID(), owner, name)
	fctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	r.add(h)

	go func() {
		v, err := r.call(fctx, fn)
		if err != nil {
			r.finish(h, Rejected, nil, rejection(err))
			return
		}
		r.finish(h, Resolved, v, nil)
	}()
	return h
}

func (r *Registry) call(ctx context.Context, fn Func) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf(errors.CategoryDeferred, "deferred value panicked: %v", p)
		}
	}()
	return fn(ctx)
}

// Adopt creates the client-side handle for a placeholder read from a
// payload. Pending placeholders settle when a matching Settlement arrives.
// Adopting an id twice returns the existing handle.
func (r *Registry) Adopt(owner string, p Placeholder) *Handle {
	r.mu.Lock()
	if h, ok := r.handles[p.ID]; ok {
		r.mu.Unlock()
		return h
	}
	r.mu.Unlock()

	h := newHandle(p.ID, owner, "")
	switch p.State {
	case Resolved:
		h.settle(Resolved, p.Value, nil)
	case Rejected:
		h.settle(Rejected, nil, errors.New("E152").Wrap(stderrors.New(p.Error)))
	}
	r.add(h)
	return h
}

// Settle applies an out-of-band settlement message.
func (r *Registry) Settle(s Settlement) error {
	r.mu.Lock()
	h, ok := r.handles[s.ID]
	r.mu.Unlock()
	if !ok {
		return errors.New("E151").WithDetail(s.ID)
	}

	var settled bool
	switch s.State {
	case Resolved:
		settled = h.settle(Resolved, s.Value, nil)
	case Rejected:
		settled = h.settle(Rejected, nil, errors.New("E152").Wrap(stderrors.New(s.Error)))
	default:
		return errors.Newf(errors.CategoryDeferred, "settlement for %s is still pending", s.ID)
	}
	if !settled {
		return errors.New("E150").WithDetail(s.ID)
	}
	return nil
}

// Get returns the handle with the given id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Owned returns the handles owned by owner.
func (r *Registry) Owned(owner string) []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.owners[owner]))
	for _, h := range r.owners[owner] {
		out = append(out, h)
	}
	return out
}

// Discard drops every handle owned by owner. Pending handles are rejected
// with ErrDiscarded and their computation is cancelled.
func (r *Registry) Discard(owner string) int {
	r.mu.Lock()
	owned := r.owners[owner]
	delete(r.owners, owner)
	for id := range owned {
		delete(r.handles, id)
	}
	r.mu.Unlock()

	for _, h := range owned {
		h.settle(Rejected, nil, errors.New("E153").WithRoute(owner))
	}
	return len(owned)
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.id] = h
	if r.owners[h.owner] == nil {
		r.owners[h.owner] = make(map[string]*Handle)
	}
	r.owners[h.owner][h.id] = h
}

func (r *Registry) finish(h *Handle, state State, value any, err error) {
	if !h.settle(state, value, err) {
		return
	}
	if state == Rejected {
		r.logger.Debug("deferred value rejected", "id", h.id, "owner", h.owner, "name", h.name, "error", err)
	}
	if r.store == nil {
		return
	}
	s, serr := h.Settlement()
	if serr != nil {
		r.logger.Warn("deferred settlement not encodable", "id", h.id, "error", serr)
		s = Settlement{ID: h.id, State: Rejected, Error: rejectionMessage(serr)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.storeWait)
	defer cancel()
	if err := r.store.Save(ctx, s); err != nil {
		r.logger.Warn("saving deferred settlement failed", "id", h.id, "error", err)
	}
}

// decodeSettlement parses a settlement message.
func decodeSettlement(data []byte) (Settlement, error) {
	var s Settlement
	err := json.Unmarshal(data, &s)
	return s, err
}
