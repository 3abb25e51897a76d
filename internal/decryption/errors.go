package decryption

import (
	"errors"
	"fmt"
)

var (
	ErrNotEncrypted     = errors.New("decryption: event is not encrypted")
	ErrAlreadyDecrypted = errors.New("decryption: event has already been decrypted")
)

// DecryptionError is the recognised way for a Decrypter to say an event
// cannot be decrypted. Any other error is treated as an infrastructure
// failure and leaves the event untouched.
type DecryptionError struct {
	Code   string
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

func (e *DecryptionError) detailed() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Error(), e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Error())
}

func AsDecryptionError(err error) (*DecryptionError, bool) {
	var decErr *DecryptionError
	if errors.As(err, &decErr) {
		return decErr, true
	}
	return nil, false
}
