package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const (
	serviceName = "idlesync"
	keyPrefix   = "tv-client-key:"
)

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error
)

// initKeyring opens the system keyring once per process
func initKeyring() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		ring, ringErr = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.SecretServiceBackend, // GNOME Keyring, KWallet
				keyring.KWalletBackend,
				keyring.PassBackend, // password-store.org
			},
		})
	})
	return ring, ringErr
}

// Store keeps TV client keys, one per TV host. It satisfies tv.KeyStore.
type Store struct {
	open func() (keyring.Keyring, error)
}

// Default is the Store on the system keyring
func Default() *Store {
	return &Store{open: initKeyring}
}

// NewStore wraps an already opened keyring
func NewStore(kr keyring.Keyring) *Store {
	return &Store{open: func() (keyring.Keyring, error) { return kr, nil }}
}

func (s *Store) ring() (keyring.Keyring, error) {
	kr, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return kr, nil
}

// SetClientKey stores the client key for host
func (s *Store) SetClientKey(host, key string) error {
	kr, err := s.ring()
	if err != nil {
		return err
	}

	return kr.Set(keyring.Item{
		Key:         keyPrefix + host,
		Data:        []byte(key),
		Label:       "idlesync TV client key for " + host,
		Description: "LG webOS pairing key",
	})
}

// ClientKey retrieves the client key for host.
// Returns empty string if none is stored
func (s *Store) ClientKey(host string) (string, error) {
	kr, err := s.ring()
	if err != nil {
		return "", err
	}

	item, err := kr.Get(keyPrefix + host)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve client key: %w", err)
	}
	return string(item.Data), nil
}

// DeleteClientKey forgets the pairing with host
func (s *Store) DeleteClientKey(host string) error {
	kr, err := s.ring()
	if err != nil {
		return err
	}

	// not every backend reports missing keys on Remove
	if _, err := kr.Get(keyPrefix + host); errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("no client key stored for '%s'", host)
	}
	return kr.Remove(keyPrefix + host)
}

// HasClientKey checks if host is paired
func (s *Store) HasClientKey(host string) bool {
	key, err := s.ClientKey(host)
	return err == nil && key != ""
}
