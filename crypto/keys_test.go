package crypto

import (
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

func TestKeyStringRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	compressed := key.PubKey().Compressed()

	encoded := EncodeKey(compressed)
	if !strings.HasPrefix(encoded, KeyPrefix+"1") {
		t.Fatalf("unexpected prefix in %s", encoded)
	}
	decoded, err := DecodeKey(encoded)
	if err != nil {
		t.Fatalf("decode bech32: %v", err)
	}
	if decoded != compressed {
		t.Fatalf("bech32 round trip mismatch")
	}
	fromHex, err := DecodeKey(hex.EncodeToString(compressed[:]))
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	if fromHex != compressed {
		t.Fatalf("hex round trip mismatch")
	}
	if _, err := DecodeKey("02" + strings.Repeat("ff", 32)); err == nil {
		t.Fatalf("expected invalid curve point to fail")
	}
	if _, err := DecodeKey("abcd"); err == nil {
		t.Fatalf("expected short key to fail")
	}
}

func TestSignVerifiesAgainstEscrow(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := [32]byte{1, 2, 3}
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !escrow.VerifySignature(sig.Key, digest, sig.Sig) {
		t.Fatalf("signature did not verify")
	}
	digest[0] ^= 0xFF
	if escrow.VerifySignature(sig.Key, digest, sig.Sig) {
		t.Fatalf("signature verified against a different digest")
	}
	pub, err := PublicKeyFromCompressed(sig.Key)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if pub.Compressed() != sig.Key {
		t.Fatalf("decompressed key mismatch")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "seeker.keystore")
	key, created, err := LoadOrCreateKeystore(path, "pass")
	if err != nil {
		t.Fatalf("create keystore: %v", err)
	}
	if !created {
		t.Fatalf("expected a new key to be created")
	}
	loaded, created, err := LoadOrCreateKeystore(path, "pass")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if created {
		t.Fatalf("expected existing key to be loaded")
	}
	if loaded.PubKey().Compressed() != key.PubKey().Compressed() {
		t.Fatalf("loaded key differs from saved key")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}

func TestLocalSigner(t *testing.T) {
	signer := NewLocalSigner()
	ctx := context.Background()
	if _, err := signer.PublicKey(ctx, escrow.RoleSeeker); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer.SetKey(escrow.RoleSeeker, key)
	pub, err := signer.PublicKey(ctx, escrow.RoleSeeker)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	digest := [32]byte{9}
	sig, err := signer.Sign(ctx, digest, escrow.RoleSeeker)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig.Key != pub || !escrow.VerifySignature(pub, digest, sig.Sig) {
		t.Fatalf("local signer produced an invalid signature")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := signer.Sign(cancelled, digest, escrow.RoleSeeker); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}

	dir := t.TempDir()
	loaded, err := LoadLocalSigner(map[escrow.Role]string{
		escrow.RoleFurnisher: filepath.Join(dir, "furnisher.keystore"),
	}, "")
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	if _, err := loaded.PublicKey(ctx, escrow.RoleFurnisher); err != nil {
		t.Fatalf("furnisher key missing: %v", err)
	}
}
