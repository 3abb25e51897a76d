package decryption

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/btree"
)

type pendingSet struct {
	mu     sync.Mutex
	events *btree.BTreeG[*Event]
}

func byTimestamp(a, b *Event) bool {
	if a.Timestamp() != b.Timestamp() {
		return a.Timestamp() < b.Timestamp()
	}
	return a.ID() < b.ID()
}

// Pending tracks events waiting on a megolm session so they can be retried
// oldest first once its key arrives.
type Pending struct {
	sessions *xsync.Map[string, *pendingSet]
	logger   *slog.Logger
}

func NewPending(logger *slog.Logger) *Pending {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pending{
		sessions: xsync.NewMap[string, *pendingSet](),
		logger:   logger,
	}
}

// Track registers evt under its session id. It reports false for events
// that aren't encrypted or carry no session id.
func (p *Pending) Track(evt *Event) bool {
	if !evt.IsEncrypted() {
		return false
	}
	sessionID := evt.SessionID()
	if sessionID == "" {
		return false
	}

	// Insert under the map's bucket lock so a concurrent KeyArrived either
	// sees this event or leaves a fresh set behind for it.
	p.sessions.Compute(sessionID, func(set *pendingSet, loaded bool) (*pendingSet, xsync.ComputeOp) {
		if !loaded {
			set = &pendingSet{events: btree.NewBTreeGOptions(byTimestamp, btree.Options{NoLocks: true})}
		}
		set.mu.Lock()
		set.events.Set(evt)
		set.mu.Unlock()
		return set, xsync.UpdateOp
	})
	return true
}

func (p *Pending) Forget(evt *Event) {
	set, ok := p.sessions.Load(evt.SessionID())
	if !ok {
		return
	}
	set.mu.Lock()
	set.events.Delete(evt)
	set.mu.Unlock()
}

func (p *Pending) Len(sessionID string) int {
	set, ok := p.sessions.Load(sessionID)
	if !ok {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return set.events.Len()
}

// KeyArrived stops tracking sessionID and retries each of its events
// oldest first, waiting for one attempt to finish before starting the next.
// It returns the events that still have no usable cleartext. If ctx ends
// early the events not yet retried are tracked again.
func (p *Pending) KeyArrived(ctx context.Context, sessionID string, d Decrypter) ([]*Event, error) {
	set, ok := p.sessions.LoadAndDelete(sessionID)
	if !ok {
		return nil, nil
	}

	set.mu.Lock()
	events := make([]*Event, 0, set.events.Len())
	set.events.Scan(func(evt *Event) bool {
		events = append(events, evt)
		return true
	})
	set.mu.Unlock()

	var failed []*Event
	for i, evt := range events {
		attempt, err := evt.AttemptDecryption(ctx, d, Options{IsRetry: true})
		if errors.Is(err, ErrAlreadyDecrypted) {
			continue
		} else if err != nil {
			p.logger.Warn("failed to retry decryption", "event_id", evt.ID(), "err", err)
			continue
		}
		if err := attempt.Wait(ctx); err != nil {
			for _, rest := range events[i:] {
				p.Track(rest)
			}
			return failed, err
		}
		if evt.ClearContent() == nil || evt.IsDecryptionFailure() {
			failed = append(failed, evt)
		}
	}
	p.logger.Debug("retried events after key arrival", "session_id", sessionID, "events", len(events), "failed", len(failed))
	return failed, nil
}
