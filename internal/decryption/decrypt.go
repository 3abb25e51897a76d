package decryption

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"
)

// Result is what a Decrypter returns for a successfully decrypted event.
type Result struct {
	ClearType          string
	ClearContent       map[string]any
	SenderKey          id.SenderKey
	ClaimedEd25519Key  id.Ed25519
	ForwardingKeyChain []string
	Untrusted          bool
}

type Decrypter interface {
	// DecryptEvent returns a *DecryptionError when the event can't be
	// decrypted with the keys currently available.
	DecryptEvent(ctx context.Context, evt *Event) (*Result, error)
}

type Options struct {
	// IsRetry enables extra logging for attempts triggered by new keys.
	IsRetry bool
	// SuppressEmit skips the decrypted notification.
	SuppressEmit bool
}

// Attempt is a single decryption run. Callers that ask to decrypt an event
// while a run is in flight share the same Attempt.
type Attempt struct {
	done chan struct{}
}

func newAttempt() *Attempt {
	return &Attempt{done: make(chan struct{})}
}

// Done is closed once the run has finished and, unless suppressed,
// listeners have been notified.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the run finishes. It only fails if ctx ends first.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttemptDecryption starts decrypting e in the background, or, if a run is
// already in flight, asks that run to try once more before giving up.
func (e *Event) AttemptDecryption(ctx context.Context, d Decrypter, opts Options) (*Attempt, error) {
	if !e.IsEncrypted() {
		return nil, ErrNotEncrypted
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.clear != nil && !e.isDecryptionFailureLocked() {
		return nil, ErrAlreadyDecrypted
	}
	if e.attempt != nil {
		e.logger().Debug("event already being decrypted, queueing a retry", "event_id", e.raw.ID)
		e.retry = true
		return e.attempt, nil
	}

	attempt := newAttempt()
	e.attempt = attempt
	go e.decryptionLoop(context.WithoutCancel(ctx), d, opts, attempt)
	return attempt, nil
}

func (e *Event) logger() *slog.Logger {
	if e.factory == nil {
		return slog.Default()
	}
	return e.factory.logger
}

func (e *Event) decryptionLoop(ctx context.Context, d Decrypter, opts Options, attempt *Attempt) {
	defer close(attempt.done)
	logger := e.logger().With("event_id", e.raw.ID)

	for {
		e.mu.Lock()
		e.retry = false
		e.mu.Unlock()

		var (
			res    *Result
			decErr *DecryptionError
		)
		if d == nil {
			res = badEncrypted("Encryption not enabled")
		} else {
			var err error
			res, err = safeDecrypt(ctx, d, e)
			if err == nil && res == nil {
				err = fmt.Errorf("decrypter returned no result")
			}
			if err != nil {
				var ok bool
				if decErr, ok = AsDecryptionError(err); !ok {
					logger.Error("error decrypting event", "retry", opts.IsRetry, "err", err)
					e.mu.Lock()
					e.attempt = nil
					e.retry = false
					e.mu.Unlock()
					return
				}
			} else if opts.IsRetry {
				logger.Info("decrypted event on retry")
			}
		}

		e.mu.Lock()
		if decErr != nil {
			// Checking retry and clearing the attempt under one lock means
			// a concurrent AttemptDecryption either lands its retry here
			// or starts a fresh run.
			if e.retry {
				e.mu.Unlock()
				logger.Debug("got error decrypting event, but retrying", "err", decErr)
				continue
			}
			logger.Warn("error decrypting event", "err", decErr.detailed())
			res = badEncrypted(decErr.Error())
		}

		e.attempt = nil
		e.retry = false
		e.setClearDataLocked(res)
		e.pushActions = nil
		e.mu.Unlock()

		if !opts.SuppressEmit && e.factory != nil {
			var emitErr error
			if decErr != nil {
				emitErr = decErr
			}
			e.factory.emitDecrypted(e, emitErr)
		}
		return
	}
}

func safeDecrypt(ctx context.Context, d Decrypter, e *Event) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decrypter panicked: %v", r)
		}
	}()
	return d.DecryptEvent(ctx, e)
}

func badEncrypted(reason string) *Result {
	return &Result{
		ClearType: EventTypeMessage,
		ClearContent: map[string]any{
			"msgtype": MsgTypeBadEncrypted,
			"body":    fmt.Sprintf(badEncryptedTemplate, reason),
		},
	}
}
