package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

// KeyPrefix is the human-readable part of bech32 encoded escrow keys.
const KeyPrefix = "escpub"

// EncodeKey renders a compressed public key as a bech32 string.
func EncodeKey(key escrow.PubKey) string {
	conv, err := bech32.ConvertBits(key[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(KeyPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// DecodeKey parses a public key given either as a bech32 string produced by
// EncodeKey or as 66 hex characters.
func DecodeKey(s string) (escrow.PubKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), KeyPrefix+"1") {
		prefix, decoded, err := bech32.Decode(s)
		if err != nil {
			return escrow.PubKey{}, fmt.Errorf("invalid bech32 string: %w", err)
		}
		if prefix != KeyPrefix {
			return escrow.PubKey{}, fmt.Errorf("unexpected key prefix %q", prefix)
		}
		conv, err := bech32.ConvertBits(decoded, 5, 8, false)
		if err != nil {
			return escrow.PubKey{}, fmt.Errorf("error converting bits: %w", err)
		}
		return compressedKey(conv)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return escrow.PubKey{}, fmt.Errorf("invalid key encoding: %w", err)
	}
	return compressedKey(raw)
}

func compressedKey(raw []byte) (escrow.PubKey, error) {
	var key escrow.PubKey
	if len(raw) != len(key) {
		return key, fmt.Errorf("public key must be %d bytes, got %d", len(key), len(raw))
	}
	if _, err := crypto.DecompressPubkey(raw); err != nil {
		return key, fmt.Errorf("public key is not on secp256k1: %w", err)
	}
	copy(key[:], raw)
	return key, nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65-byte recoverable signature over a transition digest.
func (k *PrivateKey) Sign(digest [32]byte) (escrow.Signature, error) {
	sig, err := crypto.Sign(digest[:], k.PrivateKey)
	if err != nil {
		return escrow.Signature{}, fmt.Errorf("crypto: sign digest: %w", err)
	}
	return escrow.Signature{Key: k.PubKey().Compressed(), Sig: sig}, nil
}

// Compressed returns the 33-byte form used in escrow states.
func (k *PublicKey) Compressed() escrow.PubKey {
	var key escrow.PubKey
	copy(key[:], crypto.CompressPubkey(k.PublicKey))
	return key
}

func (k *PublicKey) String() string {
	return EncodeKey(k.Compressed())
}

// PublicKeyFromCompressed expands a compressed escrow key.
func PublicKeyFromCompressed(key escrow.PubKey) (*PublicKey, error) {
	pub, err := crypto.DecompressPubkey(key[:])
	if err != nil {
		return nil, err
	}
	return &PublicKey{pub}, nil
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
