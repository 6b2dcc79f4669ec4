// Package state persists durable client data in a bbolt database.
// Values are opaque byte slices keyed by string; callers own the
// encoding. When opened with a seal passphrase every value is
// encrypted at rest.
package state

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// saltBytes is the length of the random scrypt salt stored on first open.
	saltBytes = 16
)

var (
	metaBucket     = []byte("meta")
	sessionsBucket = []byte("sessions")
	saltKey        = []byte("seal_salt")
)

// ErrSealMismatch is returned when a sealed value cannot be opened,
// usually because the passphrase changed.
var ErrSealMismatch = errors.New("sealed value cannot be opened with the configured passphrase")

// Options configures LoadAt.
type Options struct {
	// SealPassphrase enables at-rest encryption of stored values.
	SealPassphrase string
}

// State wraps a bbolt database for all persistent client state.
type State struct {
	db     *bolt.DB
	sealer *sealer
}

// DefaultPath returns ~/.pkce-session/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".pkce-session", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string, opts Options) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	var salt []byte

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}

		if v := meta.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}

		salt = make([]byte, saltBytes)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating seal salt: %w", err)
		}

		return meta.Put(saltKey, salt)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &State{db: db}

	if opts.SealPassphrase != "" {
		sl, err := newSealer(opts.SealPassphrase, salt)
		if err != nil {
			db.Close()
			return nil, err
		}

		s.sealer = sl
	}

	return s, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key, or nil if there is none.
func (s *State) Get(key string) ([]byte, error) {
	var out []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		out = append([]byte(nil), v...)

		return nil
	})
	if err != nil || out == nil {
		return nil, err
	}

	if s.sealer == nil {
		return out, nil
	}

	return s.sealer.open(out, key)
}

// Put stores value under key, replacing any previous value.
func (s *State) Put(key string, value []byte) error {
	if s.sealer != nil {
		sealed, err := s.sealer.seal(value, key)
		if err != nil {
			return err
		}

		value = sealed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(key), value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *State) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(key))
	})
}

// Keys returns all stored keys.
func (s *State) Keys() ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}
