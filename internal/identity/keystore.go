package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File layout within the keystore directory.
const (
	privateKeyFile = "device.key"
	publicKeyFile  = "device.pub"
	deviceIDFile   = "device.id"

	keyDirPermissions  = 0700
	keyFilePermissions = 0600
)

// KeyStore manages a device's Ed25519 identity on disk.
//
// The private key is the device's sole authenticated identity: losing it
// (storage reset, SD card swap) makes the device a brand-new unadopted unit.
// That is deliberate - a recovery path would undermine the anti-spoofing
// guarantee, so none exists.
type KeyStore struct {
	dir  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewKeyStore creates a KeyStore rooted at the given directory.
// No key material is read or generated until EnsureKeypair is called.
func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir}
}

// EnsureKeypair loads the keypair from disk, generating and persisting a new
// one if no key material exists. It is idempotent: repeated calls return the
// same keypair.
//
// Returns:
//   - ed25519.PrivateKey, ed25519.PublicKey: The device keypair
//   - error: If the directory or key files cannot be created or read
func (ks *KeyStore) EnsureKeypair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if ks.priv != nil {
		return ks.priv, ks.pub, nil
	}

	if err := os.MkdirAll(ks.dir, keyDirPermissions); err != nil {
		return nil, nil, fmt.Errorf("creating keystore directory: %w", err)
	}

	privPath := filepath.Join(ks.dir, privateKeyFile)
	data, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		seed, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, nil, fmt.Errorf("decoding private key: %w", decErr)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, nil, fmt.Errorf("private key file %s is corrupt (got %d bytes, want %d)", privPath, len(seed), ed25519.SeedSize)
		}
		ks.priv = ed25519.NewKeyFromSeed(seed)
		ks.pub = ks.priv.Public().(ed25519.PublicKey)
		return ks.priv, ks.pub, nil

	case os.IsNotExist(err):
		return ks.generate()

	default:
		return nil, nil, fmt.Errorf("reading private key: %w", err)
	}
}

// generate creates a fresh keypair and persists both halves.
func (ks *KeyStore) generate() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating keypair: %w", err)
	}

	seed := base64.StdEncoding.EncodeToString(priv.Seed())
	if err := os.WriteFile(filepath.Join(ks.dir, privateKeyFile), []byte(seed+"\n"), keyFilePermissions); err != nil {
		return nil, nil, fmt.Errorf("writing private key: %w", err)
	}

	// The public key is also persisted separately so provisioning tooling
	// can read it without touching the private half.
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	if err := os.WriteFile(filepath.Join(ks.dir, publicKeyFile), []byte(pubB64+"\n"), keyFilePermissions); err != nil {
		return nil, nil, fmt.Errorf("writing public key: %w", err)
	}

	ks.priv = priv
	ks.pub = pub
	return priv, pub, nil
}

// Sign signs a payload with the device's private key.
// EnsureKeypair must have been called first.
func (ks *KeyStore) Sign(payload []byte) (string, error) {
	if ks.priv == nil {
		return "", fmt.Errorf("keystore: no keypair loaded")
	}
	return Sign(ks.priv, payload), nil
}

// PublicKeyBase64 returns the public key as standard base64, the encoding
// used in announce requests and device records.
func (ks *KeyStore) PublicKeyBase64() (string, error) {
	if ks.pub == nil {
		return "", fmt.Errorf("keystore: no keypair loaded")
	}
	return base64.StdEncoding.EncodeToString(ks.pub), nil
}

// DeviceID returns the persisted server-assigned device id, or "" if the
// device has never completed an announce.
func (ks *KeyStore) DeviceID() (string, error) {
	data, err := os.ReadFile(filepath.Join(ks.dir, deviceIDFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetDeviceID persists the server-assigned device id.
func (ks *KeyStore) SetDeviceID(id string) error {
	if err := os.MkdirAll(ks.dir, keyDirPermissions); err != nil {
		return fmt.Errorf("creating keystore directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ks.dir, deviceIDFile), []byte(id+"\n"), keyFilePermissions); err != nil {
		return fmt.Errorf("writing device id: %w", err)
	}
	return nil
}

// DecodePublicKey parses a base64-encoded Ed25519 public key as stored on
// device records and sent in announce requests.
func DecodePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has wrong length: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
