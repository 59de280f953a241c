// Package identity keeps the long-lived Ed25519 key a share host presents in
// its QUIC certificate, so receivers can pin it across restarts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KeyFileName is the PEM file holding the host key inside the data directory.
	KeyFileName = "host_key.pem"

	keyPEMType = "ED25519 PRIVATE KEY"
)

// Identity is a host signing key.
type Identity struct {
	Key ed25519.PrivateKey
}

// LoadOrCreate reads the host key from dir, generating it on first run.
func LoadOrCreate(dir string) (*Identity, error) {
	path := filepath.Join(dir, KeyFileName)

	key, err := readKey(path)
	if err == nil {
		return &Identity{Key: key}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	_, key, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	block := &pem.Block{Type: keyPEMType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	return &Identity{Key: key}, nil
}

func readKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("decode host key: no PEM block")
	}
	if block.Type != keyPEMType {
		return nil, fmt.Errorf("decode host key: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode host key: invalid key size %d", len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

// Public returns the public half of the key.
func (i *Identity) Public() ed25519.PublicKey {
	return i.Key.Public().(ed25519.PublicKey)
}

// Fingerprint is the compact form of the public key receivers pin.
func (i *Identity) Fingerprint() string {
	return Fingerprint(i.Public())
}

// Fingerprint returns the truncated SHA-256 hex digest of a public key.
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// Normalize strips grouping and case so user-typed fingerprints compare equal.
func Normalize(fingerprint string) string {
	return strings.ToLower(strings.Join(strings.Fields(fingerprint), ""))
}

// Format groups a fingerprint in uppercase blocks of four for display.
func Format(fingerprint string) string {
	clean := strings.ToUpper(Normalize(fingerprint))
	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
