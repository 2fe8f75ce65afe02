package pending

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SoftCheck-app/agents/pkg/lifecycle"
	"github.com/SoftCheck-app/agents/pkg/substrate"
)

const DefaultTimeout = 60 * time.Second

var (
	ErrRequestNotFound   = errors.New("pending request not found")
	ErrResourceExhausted = errors.New("pending registry is full")
	ErrTokenReleased     = errors.New("token already released")
)

type Decision int

const (
	DecisionPending Decision = iota
	DecisionAllowed
)

// State is the externally observable state of a request id.
type State string

const (
	StateUnknown  State = "UNKNOWN"
	StatePending  State = "PENDING"
	StateAllowed  State = "ALLOWED"
	StateTimedOut State = "TIMED_OUT"
)

// Token owns a resume handle. Release hands the handle out exactly once.
type Token struct {
	handle   substrate.Handle
	released atomic.Bool
}

func NewToken(h substrate.Handle) *Token {
	return &Token{handle: h}
}

func (t *Token) Release() (substrate.Handle, error) {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return nil, ErrTokenReleased
	}
	h := t.handle
	t.handle = nil
	return h, nil
}

func (t *Token) Released() bool {
	return t != nil && t.released.Load()
}

// Subject is the request metadata kept for diagnostics and audit.
type Subject struct {
	Path        string `json:"path"`
	ProcessID   uint32 `json:"process_id"`
	ProcessName string `json:"process_name,omitempty"`
	UserName    string `json:"user_name,omitempty"`
}

type Entry struct {
	RequestID int64
	Token     *Token
	Decision  Decision
	CreatedAt time.Time
	Subject   Subject
	// Stage is the lifecycle stage reached before removal.
	Stage string
	// Expired is set when the entry was already past its timeout at removal.
	Expired bool
}

// Info is a read-only view of an entry.
type Info struct {
	RequestID int64     `json:"request_id"`
	State     State     `json:"state"`
	Stage     string    `json:"stage"`
	CreatedAt time.Time `json:"created_at"`
	AgeMS     int64     `json:"age_ms"`
	Subject   Subject   `json:"subject"`
}

type Option func(*Registry)

func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithCapacity bounds the number of outstanding entries; 0 means unbounded.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

type Registry struct {
	mu       sync.RWMutex
	entries  map[int64]*Entry
	nextID   atomic.Int64
	timeout  time.Duration
	capacity int
	now      func() time.Time
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: map[int64]*Entry{},
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Timeout() time.Duration { return r.timeout }

// Insert registers a suspended operation and returns its new request id.
// Ids are strictly increasing and never reused.
func (r *Registry) Insert(h substrate.Handle, subject Subject) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capacity > 0 && len(r.entries) >= r.capacity {
		return 0, ErrResourceExhausted
	}
	id := r.nextID.Add(1)
	r.entries[id] = &Entry{
		RequestID: id,
		Token:     NewToken(h),
		Decision:  DecisionPending,
		CreatedAt: r.now(),
		Subject:   subject,
		Stage:     lifecycle.Registered,
	}
	return id, nil
}

// Advance applies evt to the stage of a still-registered entry. An invalid
// transition leaves the stage unchanged and returns
// lifecycle.ErrInvalidTransition.
func (r *Registry) Advance(id int64, evt lifecycle.Event) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", ErrRequestNotFound
	}
	next, err := lifecycle.Next(e.Stage, evt)
	if err != nil {
		return e.Stage, err
	}
	e.Stage = next
	return next, nil
}

// RemoveByID removes and returns the entry. A missing id is a normal outcome.
func (r *Registry) RemoveByID(id int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, id)
	e.Expired = r.expired(e, r.now())
	return *e, true
}

// Resolve applies an authority decision and removes the entry under one lock
// acquisition, so a concurrent sweep either sees the entry or does not.
func (r *Registry) Resolve(id int64, allowed bool) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrRequestNotFound
	}
	delete(r.entries, id)
	if allowed {
		e.Decision = DecisionAllowed
	}
	e.Expired = r.expired(e, r.now())
	return *e, nil
}

// Sweep removes every expired entry, or every entry when forceAll is set,
// and returns them ordered by id. Completing the handles is up to the caller.
func (r *Registry) Sweep(forceAll bool) []Entry {
	now := r.now()
	r.mu.Lock()
	var out []Entry
	for id, e := range r.entries {
		exp := r.expired(e, now)
		if !forceAll && !exp {
			continue
		}
		delete(r.entries, id)
		e.Expired = exp
		out = append(out, *e)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

func (r *Registry) StateOf(id int64) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return StateUnknown
	}
	return r.stateLocked(e, r.now())
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) Snapshot() []Info {
	now := r.now()
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			RequestID: e.RequestID,
			State:     r.stateLocked(e, now),
			Stage:     e.Stage,
			CreatedAt: e.CreatedAt.UTC(),
			AgeMS:     now.Sub(e.CreatedAt).Milliseconds(),
			Subject:   e.Subject,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

func (r *Registry) stateLocked(e *Entry, now time.Time) State {
	if r.expired(e, now) {
		return StateTimedOut
	}
	if e.Decision == DecisionAllowed {
		return StateAllowed
	}
	return StatePending
}

func (r *Registry) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) >= r.timeout
}
