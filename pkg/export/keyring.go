// Package export produces the hardened, provenance-carrying export
// artifacts for approved plans, signs them, and archives them to object
// storage.
package export

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/datumfab/datum/pkg/canonicalize"
	"github.com/datumfab/datum/pkg/fault"
)

// KeyProvider is the signing backend. The in-memory provider serves
// development and tests; production swaps in an HSM or KMS adapter.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds an Ed25519 keypair in process memory.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "generate export signing key", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey { return m.pub }

// Keyring signs export artifacts over their canonical JSON form, so the
// signature is independent of field ordering at the call site.
type Keyring struct {
	provider KeyProvider
}

func NewKeyring(p KeyProvider) *Keyring {
	return &Keyring{provider: p}
}

// Sign canonicalizes data and signs the resulting bytes. It returns the
// hex signature.
func (k *Keyring) Sign(data any) (string, error) {
	msg, err := canonicalize.JCS(data)
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "canonicalize for signing", err)
	}
	sig, err := k.provider.Sign(msg)
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "sign export artifact", err)
	}
	return hex.EncodeToString(sig), nil
}

// SignBytes signs raw artifact bytes, for formats that are not JSON.
func (k *Keyring) SignBytes(msg []byte) (string, error) {
	sig, err := k.provider.Sign(msg)
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "sign export artifact", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyBytes checks a hex signature produced by SignBytes.
func (k *Keyring) VerifyBytes(msg []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(k.provider.PublicKey(), msg, sig)
}

// Verify checks a hex signature produced by Sign.
func (k *Keyring) Verify(data any, sigHex string) bool {
	msg, err := canonicalize.JCS(data)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(k.provider.PublicKey(), msg, sig)
}

// PublicKeyHex returns the verifying key for embedding in provenance.
func (k *Keyring) PublicKeyHex() string {
	return hex.EncodeToString(k.provider.PublicKey())
}

// DeriveForProgram derives a program-scoped keyring with HKDF-SHA256
// over the master seed, so every customer program verifies against its
// own key while the operator holds a single root.
func (k *Keyring) DeriveForProgram(programID string) (*Keyring, error) {
	if programID == "" {
		return nil, fault.New(fault.CodeInvalid, "program id must not be empty")
	}
	master, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, fault.New(fault.CodeInvalid, "program key derivation requires the in-memory provider")
	}
	r := hkdf.New(sha256.New, master.priv.Seed(), []byte("datum-program-kdf"), []byte(programID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "derive program key", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return NewKeyring(&MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}), nil
}
