package escrow

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// DigestDomain separates escrow transition digests from any other message
// signed with the same keys.
const DigestDomain = "babbage-escrow/transition/v1"

type commitment struct {
	Domain         string
	Consumed       TokenRef
	Call           Call
	Successor      []byte
	SuccessorValue uint64
	Payouts        []Payout
}

// SigningDigest computes the Keccak-256 digest every required signer signs.
// It binds the consumed token, the call parameters including the
// authorization timestamp, the exact successor encoding and value, and every
// payout.
func SigningDigest(consumed TokenRef, call Call, successor []byte, value uint64, payouts []Payout) ([32]byte, error) {
	if successor == nil {
		successor = []byte{}
	}
	if payouts == nil {
		payouts = []Payout{}
	}
	encoded, err := rlp.EncodeToBytes(&commitment{
		Domain:         DigestDomain,
		Consumed:       consumed,
		Call:           call,
		Successor:      successor,
		SuccessorValue: value,
		Payouts:        payouts,
	})
	if err != nil {
		return [32]byte{}, fmt.Errorf("escrow: encode commitment: %w", err)
	}
	return ethcrypto.Keccak256Hash(encoded), nil
}

// VerifySignature checks a 64 or 65 byte secp256k1 signature by key over
// digest.
func VerifySignature(key PubKey, digest [32]byte, sig []byte) bool {
	if len(sig) != 64 && len(sig) != 65 {
		return false
	}
	return ethcrypto.VerifySignature(key[:], digest[:], sig[:64])
}

func verifySigners(kind TransitionKind, signers []RequiredSigner, digest [32]byte, sigs []Signature) error {
	for _, required := range signers {
		satisfied := false
		for _, s := range sigs {
			if s.Key == required.Key && VerifySignature(required.Key, digest, s.Sig) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return reject(kind, GuardSignature, "missing or invalid %s signature", required.Role)
		}
	}
	return nil
}
