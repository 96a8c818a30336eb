// Package crypto provides envelope encryption for job payloads and results
// written through the optional persistence hook (spec.md §6). Adapted from
// the teacher's internal/secrets key-wrapping scheme: a master key is
// generated once, wrapped with a key-encryption key derived from an
// operator-supplied passphrase via argon2id, and the wrapped key is stored
// alongside the database rather than in a settings table.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Manager performs envelope encryption using a single unwrapped master key.
type Manager struct {
	aead cipher.AEAD
}

// New builds a Manager from a raw key of at least 32 bytes.
func New(key []byte) (*Manager, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("crypto: key must be at least 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Manager{aead: aead}, nil
}

// Seal encrypts plaintext, returning a single self-describing blob
// (nonce || ciphertext) suitable for storage.
func (m *Manager) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := m.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ct...), nil
}

// Open decrypts a blob produced by Seal.
func (m *Manager) Open(blob []byte) ([]byte, error) {
	n := m.aead.NonceSize()
	if len(blob) < n {
		return nil, errors.New("crypto: blob shorter than nonce")
	}
	return m.aead.Open(nil, blob[:n], blob[n:], nil)
}

const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	saltSize            = 16
)

type keyFile struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// LoadOrCreate derives a key-encryption key from passphrase and uses it to
// unwrap the master key stored at path, generating and persisting a new
// wrapped master key on first use. This mirrors the teacher's Load
// function, substituted to a flat JSON file since this core has no
// settings table of its own.
func LoadOrCreate(path, passphrase string) (*Manager, error) {
	if len(passphrase) < 16 {
		return nil, errors.New("crypto: passphrase must be at least 16 characters")
	}

	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("crypto: read key file: %w", err)
	}

	var mk []byte
	if len(raw) == 0 {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("crypto: generate salt: %w", err)
		}
		kek := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32)
		wrapper, err := New(kek)
		if err != nil {
			return nil, err
		}
		mk = make([]byte, 32)
		if _, err := rand.Read(mk); err != nil {
			return nil, fmt.Errorf("crypto: generate master key: %w", err)
		}
		blob, err := wrapper.Seal(mk)
		if err != nil {
			return nil, err
		}
		kf := keyFile{
			Salt:       base64.StdEncoding.EncodeToString(salt),
			Nonce:      base64.StdEncoding.EncodeToString(blob[:wrapper.aead.NonceSize()]),
			Ciphertext: base64.StdEncoding.EncodeToString(blob[wrapper.aead.NonceSize():]),
		}
		out, err := json.Marshal(kf)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, fmt.Errorf("crypto: write key file: %w", err)
		}
	} else {
		var kf keyFile
		if err := json.Unmarshal(raw, &kf); err != nil {
			return nil, fmt.Errorf("crypto: parse key file: %w", err)
		}
		salt, err := base64.StdEncoding.DecodeString(kf.Salt)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode salt: %w", err)
		}
		nonce, err := base64.StdEncoding.DecodeString(kf.Nonce)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode nonce: %w", err)
		}
		ct, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode ciphertext: %w", err)
		}
		kek := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32)
		wrapper, err := New(kek)
		if err != nil {
			return nil, err
		}
		mk, err = wrapper.Open(append(nonce, ct...))
		if err != nil {
			if strings.Contains(err.Error(), "authentication failed") {
				return nil, errors.New("crypto: unwrap master key: wrong passphrase")
			}
			return nil, fmt.Errorf("crypto: unwrap master key: %w", err)
		}
	}

	m, err := New(mk)
	if err != nil {
		return nil, err
	}
	blob, err := m.Seal([]byte("sentinel"))
	if err != nil {
		return nil, fmt.Errorf("crypto: self-test seal: %w", err)
	}
	pt, err := m.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("crypto: self-test open: %w", err)
	}
	if !bytes.Equal(pt, []byte("sentinel")) {
		return nil, errors.New("crypto: self-test mismatch")
	}
	return m, nil
}
