// Package cryptoutil provides the Ed25519 signing identity and the
// authenticated encryption helper used for encrypted run artifacts.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/infrasim/vmctld/vmerr"
)

// KeyPair is the daemon's Ed25519 signing identity.
type KeyPair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a new random key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, vmerr.Crypto("generate key pair: %v", err)
	}
	return &KeyPair{private: priv, public: pub}, nil
}

// Load reads a 32-byte Ed25519 seed from path.
func Load(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindIO, err)
	}
	if len(data) != ed25519.SeedSize {
		return nil, vmerr.Crypto("invalid key length: %d", len(data))
	}
	priv := ed25519.NewKeyFromSeed(data)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{private: priv, public: pub}, nil
}

// Save writes the key pair's 32-byte seed to path.
func (k *KeyPair) Save(path string) error {
	seed := k.private.Seed()
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return vmerr.Wrap(vmerr.KindIO, err)
	}
	return nil
}

// LoadOrGenerate loads the key pair at path, generating and persisting a new
// one if the file does not exist yet. This is the idiom used on daemon
// startup so the signing identity survives restarts.
func LoadOrGenerate(path string) (*KeyPair, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, vmerr.Wrap(vmerr.KindIO, err)
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := kp.Save(path); err != nil {
		return nil, err
	}
	return kp, nil
}

// PublicKeyBytes returns the raw 32-byte public key.
func (k *KeyPair) PublicKeyBytes() []byte {
	return []byte(k.public)
}

// PublicKeyHex returns the public key as a lowercase hex string.
func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.public)
}

// Sign produces a 64-byte Ed25519 signature over data.
func (k *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(k.private, data)
}

// Verify checks a signature produced by Sign (or by any Ed25519 signer
// sharing this key pair's public key).
func (k *KeyPair) Verify(data, signature []byte) error {
	return VerifyWithKey(k.public, data, signature)
}

// VerifyWithKey checks signature against data using an arbitrary public key,
// as when verifying a manifest signed by a different daemon instance.
func VerifyWithKey(pub ed25519.PublicKey, data, signature []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return vmerr.Crypto("invalid public key length: %d", len(pub))
	}
	if len(signature) != ed25519.SignatureSize {
		return vmerr.Crypto("invalid signature length: %d", len(signature))
	}
	if !ed25519.Verify(pub, data, signature) {
		return vmerr.Crypto("signature verification failed")
	}
	return nil
}

// PublicKeyFromHex parses a hex-encoded public key.
func PublicKeyFromHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, vmerr.Crypto("invalid public key hex: %v", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, vmerr.Crypto("invalid public key length: %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// SignedData wraps an arbitrary JSON-serializable payload together with an
// Ed25519 signature over its serialized form and the signer's public key, so
// that it can be verified independently of the daemon that produced it.
type SignedData[T any] struct {
	Data            T      `json:"data"`
	Signature       []byte `json:"signature"`
	SignerPublicKey string `json:"signer_public_key"`
}

// NewSignedData serializes data to JSON and signs the result.
func NewSignedData[T any](data T, signer *KeyPair) (*SignedData[T], error) {
	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	return &SignedData[T]{
		Data:            data,
		Signature:       signer.Sign(serialized),
		SignerPublicKey: signer.PublicKeyHex(),
	}, nil
}

// Verify re-serializes Data and checks Signature against SignerPublicKey.
func (s *SignedData[T]) Verify() error {
	pub, err := PublicKeyFromHex(s.SignerPublicKey)
	if err != nil {
		return err
	}
	serialized, err := json.Marshal(s.Data)
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerialization, err)
	}
	return VerifyWithKey(pub, serialized, s.Signature)
}

// EncryptMemoryDump seals a raw memory dump with ChaCha20-Poly1305 under the
// given 32-byte key (see NewMemoryDumpKey), returning the ciphertext with a
// random 96-bit nonce prepended. The key is not derived from the daemon's
// signing identity, and neither this package nor the CAS layer stores it;
// the caller keeps it to decrypt the dump later.
func EncryptMemoryDump(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, vmerr.Crypto("init aead: %v", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, vmerr.Crypto("generate nonce: %v", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// DecryptMemoryDump reverses EncryptMemoryDump.
func DecryptMemoryDump(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, vmerr.Crypto("init aead: %v", err)
	}
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, vmerr.Crypto("sealed data too short")
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, vmerr.Crypto("decrypt: %v", err)
	}
	return plaintext, nil
}

// NewMemoryDumpKey generates a random 256-bit key suitable for
// EncryptMemoryDump.
func NewMemoryDumpKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, vmerr.Crypto("generate key: %v", err)
	}
	return key, nil
}
