package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/99designs/keyring"
)

const serviceName = "imapsync"

// ErrNotFound is returned when no credential is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Kind is the type of credential material.
type Kind string

const (
	KindPassword Kind = "password"
	KindOAuth2   Kind = "oauth2"
)

// Credential is the secret used to authenticate one account.
type Credential struct {
	Kind   Kind   `json:"kind"`
	Secret string `json:"secret"`

	// Epoch increases every time the credential is replaced. An auth
	// attempt records the epoch it used so a failure can be told apart
	// from a concurrent credential update.
	Epoch uint64 `json:"epoch"`
}

// Source reads credential material.
type Source interface {
	Get(key string) (*Credential, error)
	Epoch(key string) (uint64, error)
}

// Store keeps credentials in a keyring.
type Store struct {
	mu   sync.Mutex
	ring keyring.Keyring
}

// Open returns a Store backed by the system keyring.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/imapsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("imapsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get retrieves a credential by key.
func (s *Store) Get(key string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key)
}

func (s *Store) get(key string) (*Credential, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", key, err)
	}

	var c Credential
	if err := json.Unmarshal(item.Data, &c); err != nil {
		// Plain values written by other tools are passwords at epoch 0.
		return &Credential{Kind: KindPassword, Secret: string(item.Data)}, nil
	}
	if c.Secret == "" {
		return nil, fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	return &c, nil
}

// Epoch returns the current epoch of a credential, 0 when none is stored.
func (s *Store) Epoch(key string) (uint64, error) {
	c, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return c.Epoch, nil
}

// lastEpoch returns the highest epoch ever issued for key. The counter
// lives in its own item so it survives Delete.
func (s *Store) lastEpoch(key string) (uint64, error) {
	item, err := s.ring.Get(epochKey(key))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting credential epoch %q: %w", key, err)
	}
	n, err := strconv.ParseUint(string(item.Data), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func epochKey(key string) string {
	return key + ".epoch"
}

// Set stores a credential by key and bumps its epoch.
func (s *Store) Set(key string, kind Kind, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch, err := s.lastEpoch(key)
	if err != nil {
		return err
	}
	if prev, err := s.get(key); err == nil {
		epoch = max(epoch, prev.Epoch)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	epoch++

	data, err := json.Marshal(Credential{Kind: kind, Secret: secret, Epoch: epoch})
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", key, err)
	}

	err = s.ring.Set(keyring.Item{
		Key:   key,
		Data:  data,
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	err = s.ring.Set(keyring.Item{
		Key:   epochKey(key),
		Data:  []byte(strconv.FormatUint(epoch, 10)),
		Label: serviceName + " " + key + " epoch",
	})
	if err != nil {
		return fmt.Errorf("setting credential epoch %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key. The epoch counter is kept so a later
// Set never reissues an epoch.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
