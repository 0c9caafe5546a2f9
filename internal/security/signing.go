package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
)

const (
	pubFile  = "ledger.pub"
	privFile = "ledger.priv"
)

// KeyPair signs ledger blocks.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// PublicHex is the form stored next to each signature.
func (k KeyPair) PublicHex() string { return hex.EncodeToString(k.Public) }

// GenerateKeyPair creates a new ed25519 key pair
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// SaveKeyPair writes both keys hex encoded into dir.
func SaveKeyPair(k KeyPair, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(hex.EncodeToString(k.Public)), 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, privFile), []byte(hex.EncodeToString(k.Private)), 0o600)
}

// LoadKeyPair reads a key pair written by SaveKeyPair.
func LoadKeyPair(dir string) (KeyPair, error) {
	pub, err := loadHex(filepath.Join(dir, pubFile), ed25519.PublicKeySize)
	if err != nil {
		return KeyPair{}, fmt.Errorf("public key: %w", err)
	}
	priv, err := loadHex(filepath.Join(dir, privFile), ed25519.PrivateKeySize)
	if err != nil {
		return KeyPair{}, fmt.Errorf("private key: %w", err)
	}
	k := KeyPair{Public: ed25519.PublicKey(pub), Private: ed25519.PrivateKey(priv)}
	if !k.Public.Equal(k.Private.Public()) {
		return KeyPair{}, errors.New("public key does not belong to private key")
	}
	return k, nil
}

// LoadPublicKey reads only the public half, enough to verify a ledger.
func LoadPublicKey(dir string) (KeyPair, error) {
	pub, err := loadHex(filepath.Join(dir, pubFile), ed25519.PublicKeySize)
	if err != nil {
		return KeyPair{}, fmt.Errorf("public key: %w", err)
	}
	return KeyPair{Public: ed25519.PublicKey(pub)}, nil
}

// EnsureKeyPair loads the key pair from dir or generates and saves a new one.
func EnsureKeyPair(dir string) (KeyPair, error) {
	_, err := os.Stat(filepath.Join(dir, pubFile))
	if errors.Is(err, os.ErrNotExist) {
		k, err := GenerateKeyPair()
		if err != nil {
			return KeyPair{}, err
		}
		if err := SaveKeyPair(k, dir); err != nil {
			return KeyPair{}, err
		}
		glog.Infof("generated new ledger keys in %s", dir)
		return k, nil
	}
	if err != nil {
		return KeyPair{}, err
	}
	return LoadKeyPair(dir)
}

func loadHex(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("invalid key size %d", len(b))
	}
	return b, nil
}

// SignData signs data and returns the hex signature.
func SignData(priv ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, data))
}

// VerifySignature verifies signature of data using a public key
func VerifySignature(pub ed25519.PublicKey, data []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifySignatureFromHex verifies when the public key is hex encoded
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	return VerifySignature(ed25519.PublicKey(pub), data, sigHex)
}
