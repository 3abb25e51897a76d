package accountdata

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix/event"
)

var ErrClosed = errors.New("accountdata: store closed")

type Entry struct {
	Type    string
	Content map[string]any
}

// Notification is delivered to subscribers after an overlay write.
// Previous is the earlier overlay value for the same type, nil if the type
// was never set on this store.
type Notification struct {
	Event    *event.Event
	Previous map[string]any
}

// Write acknowledges a Set. Its notification is held until Wait is called
// on it or on a later write, so subscribers added between Set and Wait still
// observe it.
type Write struct {
	store        *Store
	notification Notification
	released     bool
	done         chan struct{}
	err          error
}

// Wait releases the notification, along with any earlier writes still held,
// and returns once subscribers have seen it. A listener must not Wait on a
// write it makes itself: that write is delivered after the listener returns.
func (w *Write) Wait(ctx context.Context) error {
	if w.err != nil {
		return w.err
	}
	w.store.release(w)

	select {
	case <-w.done:
		return nil
	case <-w.store.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Store captures account data written during a bootstrap session on top of
// a read-only snapshot of what the server already has. Nothing written here
// reaches the network.
type Store struct {
	mu       sync.RWMutex
	existing map[string]*event.Event
	values   map[string]map[string]any
	order    []string

	listeners *xsync.Map[uint64, func(Notification)]
	idCounter atomic.Uint64

	pendingMu sync.Mutex
	pending   []*Write
	wake      chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func New(existing map[string]*event.Event, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if existing == nil {
		existing = make(map[string]*event.Event)
	}

	s := &Store{
		existing:  existing,
		values:    make(map[string]map[string]any),
		listeners: xsync.NewMap[uint64, func(Notification)](),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		logger:    logger,
	}
	go s.dispatch()
	return s
}

func (s *Store) dispatch() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.wake:
		}
		for w := s.nextReleased(); w != nil; w = s.nextReleased() {
			s.listeners.Range(func(_ uint64, fn func(Notification)) bool {
				s.notify(fn, w.notification)
				return true
			})
			close(w.done)
		}
	}
}

func (s *Store) nextReleased() *Write {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if len(s.pending) == 0 || !s.pending[0].released {
		return nil
	}
	w := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return w
}

func (s *Store) release(w *Write) {
	s.pendingMu.Lock()
	if i := slices.Index(s.pending, w); i >= 0 {
		for _, held := range s.pending[:i+1] {
			held.released = true
		}
	}
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) notify(fn func(Notification), n Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("account data listener panicked", "type", n.Event.Type.Type, "panic", r)
		}
	}()
	fn(n)
}

// Get returns a copy of the effective content for eventType: the overlay
// value if one was set, else the snapshot content, else nil.
func (s *Store) Get(eventType string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if content, ok := s.values[eventType]; ok {
		return CloneContent(content)
	}

	existing, ok := s.existing[eventType]
	if !ok || existing == nil {
		return nil
	}
	return CloneContent(snapshotContent(existing))
}

// GetFromServer mirrors the client call of the same name so code written
// against a live client can run against the overlay unchanged.
func (s *Store) GetFromServer(_ context.Context, eventType string) (map[string]any, error) {
	return s.Get(eventType), nil
}

// Set stores a copy of content in the overlay and queues a notification for
// it. Set never blocks, so a listener may call it from inside a
// notification.
func (s *Store) Set(eventType string, content map[string]any) *Write {
	select {
	case <-s.closed:
		return &Write{err: ErrClosed}
	default:
	}
	content = CloneContent(content)

	s.mu.Lock()
	previous, had := s.values[eventType]
	if !had {
		s.order = append(s.order, eventType)
	}
	s.values[eventType] = content

	w := &Write{
		store: s,
		notification: Notification{
			Event:    newAccountDataEvent(eventType, CloneContent(content)),
			Previous: previous,
		},
		done: make(chan struct{}),
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, w)
	s.pendingMu.Unlock()
	s.mu.Unlock()
	return w
}

func (s *Store) Subscribe(fn func(Notification)) func() {
	id := s.idCounter.Add(1)
	s.listeners.Store(id, fn)
	return func() {
		s.listeners.Delete(id)
	}
}

// Entries returns the overlay in first-insertion order. A type written twice
// keeps its original position with the latest content.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.order))
	for _, eventType := range s.order {
		entries = append(entries, Entry{
			Type:    eventType,
			Content: CloneContent(s.values[eventType]),
		})
	}
	return entries
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func newAccountDataEvent(eventType string, content map[string]any) *event.Event {
	return &event.Event{
		Type:    event.Type{Type: eventType, Class: event.AccountDataEventType},
		Content: event.Content{Raw: content},
	}
}

func snapshotContent(evt *event.Event) map[string]any {
	if evt.Content.Raw != nil {
		return evt.Content.Raw
	}
	if len(evt.Content.VeryRaw) == 0 {
		return nil
	}
	var content map[string]any
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		return nil
	}
	return content
}

// CloneContent deep-copies JSON-shaped content (nested maps and slices).
func CloneContent(content map[string]any) map[string]any {
	if content == nil {
		return nil
	}
	out := make(map[string]any, len(content))
	for k, v := range content {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneContent(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
