// Package connector implements the ingestion runtime: per-provider secret
// storage, inbound webhook verification, a Redis-backed per-(provider,
// tenant) ingestion queue with a worker pool and dead-letter queue, and the
// deterministic document chunker feeding embeddings downstream.
package connector

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyRing holds every active key-encryption-key version. Secrets are
// always encrypted under KeyRing.Current, but decryption tries every
// version in descending order so already-encrypted rows keep decrypting
// during a rotation window before a re-encryption sweep catches up.
type KeyRing struct {
	versions map[int][]byte // derived 32-byte keys, by version
	current  int
}

// NewKeyRing derives a KeyRing from raw per-version secrets (e.g. config's
// KEK_V<N> environment values) via HKDF-SHA256, so operators can rotate by
// minting a new KEK_V<N> and updating KEKCurrent without ever handling raw
// cipher keys.
func NewKeyRing(rawKeys map[int]string, current int) (*KeyRing, error) {
	versions := make(map[int][]byte, len(rawKeys))
	for v, raw := range rawKeys {
		key, err := deriveKey(raw, v)
		if err != nil {
			return nil, err
		}
		versions[v] = key
	}
	return &KeyRing{versions: versions, current: current}, nil
}

func deriveKey(secret string, version int) ([]byte, error) {
	info := fmt.Sprintf("lattice-connector-kek-v%d", version)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive kek v%d: %w", version, err)
	}
	return key, nil
}

// CurrentVersion is the key version new encryptions are written under.
func (k *KeyRing) CurrentVersion() int { return k.current }

// Seal encrypts plaintext under the current KEK version, returning the
// ciphertext and the version it was sealed with (persisted alongside it as
// ConnectorConfig.KeyVersion).
func (k *KeyRing) Seal(plaintext []byte) (ciphertext []byte, version int, err error) {
	aead, err := k.aeadFor(k.current)
	if err != nil {
		return nil, 0, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, 0, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, k.current, nil
}

// Open decrypts ciphertext that was sealed under the given version. If
// version is not found (e.g. the row predates a rotation and was never
// re-keyed), Open tries every known version newest-first so a single
// missed re-encryption sweep doesn't make the secret unrecoverable.
func (k *KeyRing) Open(ciphertext []byte, version int) ([]byte, error) {
	if aead, err := k.aeadFor(version); err == nil {
		if pt, err := open(aead, ciphertext); err == nil {
			return pt, nil
		}
	}
	fallbacks := 0
	for _, v := range k.versionsNewestFirst() {
		if v == version {
			continue
		}
		fallbacks++
		aead, err := k.aeadFor(v)
		if err != nil {
			continue
		}
		if pt, err := open(aead, ciphertext); err == nil {
			return pt, nil
		}
	}
	return nil, fmt.Errorf("no key version could decrypt ciphertext (tried version %d and %d fallbacks)", version, fallbacks)
}

func open(aead cipher.AEAD, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, body, nil)
}

func (k *KeyRing) aeadFor(version int) (cipher.AEAD, error) {
	key, ok := k.versions[version]
	if !ok {
		return nil, fmt.Errorf("unknown key version %d", version)
	}
	return chacha20poly1305.New(key)
}

func (k *KeyRing) versionsNewestFirst() []int {
	out := make([]int, 0, len(k.versions))
	for v := range k.versions {
		out = append(out, v)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] > out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// NeedsRotation reports whether a row sealed under version is stale
// relative to the ring's current version.
func (k *KeyRing) NeedsRotation(version int) bool {
	return version != k.current
}
