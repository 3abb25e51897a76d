package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type Mode int

const (
	ModeReadOnly Mode = iota
	ModeReadWrite
)

func (m Mode) String() string {
	if m == ModeReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// AreaAccount holds the account's own keys.
const AreaAccount = "account"

var (
	ErrNotFound     = errors.New("store: not found")
	ErrUnknownArea  = errors.New("store: unknown area")
	ErrReadOnly     = errors.New("store: write in read-only transaction")
	ErrNoPickleKey  = errors.New("store: pickle key is required")
	ErrUnsealFailed = errors.New("store: failed to unseal value")
)

var knownAreas = map[string]struct{}{
	AreaAccount: {},
}

type Options struct {
	Path      string
	InMemory  bool
	PickleKey []byte
	Logger    *slog.Logger
}

// Store is the local crypto store. Private key material is sealed with a
// key derived from the pickle key before it reaches disk.
type Store struct {
	db     *badger.DB
	aead   cipher.AEAD
	logger *slog.Logger
}

func Open(opts Options) (*Store, error) {
	if len(opts.PickleKey) == 0 {
		return nil, ErrNoPickleKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sealKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, opts.PickleKey, nil, []byte("arko-keys store")), sealKey); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Debug("crypto store opened", "path", opts.Path, "in_memory", opts.InMemory)
	return &Store{db: db, aead: aead, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DoTxn runs fn inside one transaction over areas. A read-write transaction
// commits only if fn returns nil.
func (s *Store) DoTxn(ctx context.Context, mode Mode, areas []string, fn func(*Txn) error) error {
	for _, area := range areas {
		if _, ok := knownAreas[area]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownArea, area)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	run := s.db.View
	if mode == ModeReadWrite {
		run = s.db.Update
	}
	return run(func(btxn *badger.Txn) error {
		return fn(&Txn{txn: btxn, store: s, mode: mode, areas: areas})
	})
}

// StoreSessionBackupPrivateKey writes the key backup decryption key in its
// own transaction.
func (s *Store) StoreSessionBackupPrivateKey(ctx context.Context, key []byte) error {
	return s.DoTxn(ctx, ModeReadWrite, []string{AreaAccount}, func(txn *Txn) error {
		return txn.putSealed(keySessionBackup, key)
	})
}

func (s *Store) GetSessionBackupPrivateKey(ctx context.Context) ([]byte, error) {
	var key []byte
	err := s.DoTxn(ctx, ModeReadOnly, []string{AreaAccount}, func(txn *Txn) error {
		var err error
		key, err = txn.getSealed(keySessionBackup)
		return err
	})
	return key, err
}

func (s *Store) seal(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

func (s *Store) unseal(name string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrUnsealFailed
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsealFailed, name)
	}
	return plaintext, nil
}
