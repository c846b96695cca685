package arbitration

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// VRFSource produces verifiable draws by signing the seed with a secp256k1
// key. The draw value is the keccak hash of the signature; anyone holding
// the operator's public key can check the proof against the seed.
type VRFSource struct {
	key *ecdsa.PrivateKey
}

// NewVRFSource creates a verifiable source from a hex-encoded private key.
func NewVRFSource(hexKey string) (*VRFSource, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse vrf key: %w", err)
	}
	return &VRFSource{key: key}, nil
}

// PublicKeyHex returns the uncompressed public key for proof verification.
func (v *VRFSource) PublicKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSAPub(&v.key.PublicKey))
}

// Draw signs keccak(seed) and hashes the signature into the draw value.
func (v *VRFSource) Draw(seed []byte) (Draw, error) {
	digest := crypto.Keccak256(seed)
	sig, err := crypto.Sign(digest, v.key)
	if err != nil {
		return Draw{}, fmt.Errorf("sign draw seed: %w", err)
	}
	var value [32]byte
	copy(value[:], crypto.Keccak256(sig))
	return Draw{Value: value, Proof: sig, Verifiable: true}, nil
}

// VerifyDraw checks that proof is a valid signature over seed by the holder
// of pubKey, and that value is the hash of that proof.
func VerifyDraw(seed, proof []byte, pubKey []byte, value [32]byte) bool {
	if len(proof) < 64 {
		return false
	}
	digest := crypto.Keccak256(seed)
	// crypto.VerifySignature wants the 64-byte R||S form.
	if !crypto.VerifySignature(pubKey, digest, proof[:64]) {
		return false
	}
	var expect [32]byte
	copy(expect[:], crypto.Keccak256(proof))
	return expect == value
}

// FallbackSource is a non-verifiable pseudo-random source seeded from the
// draw seed and the wall clock. Predictable to an adversary who controls
// timing; assignments made with it carry Fallback=true.
type FallbackSource struct {
	mu  sync.Mutex
	now func() time.Time
}

// NewFallbackSource creates the fallback source.
func NewFallbackSource() *FallbackSource {
	return &FallbackSource{now: time.Now}
}

func (f *FallbackSource) Draw(seed []byte) (Draw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entropy := crypto.Keccak256(seed, []byte(fmt.Sprint(f.now().UnixNano())))
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(entropy[:8]))))

	var value [32]byte
	if _, err := rng.Read(value[:]); err != nil {
		return Draw{}, err
	}
	return Draw{Value: value, Verifiable: false}, nil
}
