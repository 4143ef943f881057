package cas

import "github.com/infrasim/vmctld/cryptoutil"

// sealMemoryDump delegates to cryptoutil's ChaCha20-Poly1305 implementation.
// It is kept as a thin indirection here so Store.PutMemoryDump's signature
// does not leak the cryptoutil package to callers that only need the CAS API.
func sealMemoryDump(key, plaintext []byte) ([]byte, error) {
	return cryptoutil.EncryptMemoryDump(key, plaintext)
}
