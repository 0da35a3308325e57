package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

// ErrNoKey is returned when a LocalSigner holds no key for a role.
var ErrNoKey = errors.New("crypto: no key for role")

// LocalSigner is an in-process wallet holding one private key per escrow
// role. It satisfies client.Signer.
type LocalSigner struct {
	mu   sync.RWMutex
	keys map[escrow.Role]*PrivateKey
}

// NewLocalSigner returns an empty wallet.
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{keys: make(map[escrow.Role]*PrivateKey)}
}

// LoadLocalSigner builds a wallet from per-role keystore files. Missing files
// are created with fresh keys.
func LoadLocalSigner(paths map[escrow.Role]string, passphrase string) (*LocalSigner, error) {
	signer := NewLocalSigner()
	for role, path := range paths {
		key, _, err := LoadOrCreateKeystore(path, passphrase)
		if err != nil {
			return nil, fmt.Errorf("crypto: load %s key: %w", role, err)
		}
		signer.SetKey(role, key)
	}
	return signer, nil
}

// SetKey installs key for role, replacing any previous key.
func (s *LocalSigner) SetKey(role escrow.Role, key *PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[role] = key
}

func (s *LocalSigner) key(role escrow.Role) (*PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[role]
	if !ok || key == nil {
		return nil, fmt.Errorf("%w %s", ErrNoKey, role)
	}
	return key, nil
}

// PublicKey returns the compressed key held for role.
func (s *LocalSigner) PublicKey(ctx context.Context, role escrow.Role) (escrow.PubKey, error) {
	if err := ctx.Err(); err != nil {
		return escrow.PubKey{}, err
	}
	key, err := s.key(role)
	if err != nil {
		return escrow.PubKey{}, err
	}
	return key.PubKey().Compressed(), nil
}

// Sign signs digest with the key held for role.
func (s *LocalSigner) Sign(ctx context.Context, digest [32]byte, role escrow.Role) (escrow.Signature, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Signature{}, err
	}
	key, err := s.key(role)
	if err != nil {
		return escrow.Signature{}, err
	}
	return key.Sign(digest)
}
