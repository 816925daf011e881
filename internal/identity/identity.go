// Package identity owns the gateway's persisted Ed25519 identity and the
// textual principal derived from it. The gateway never uses this key to
// sign or verify client/backend envelopes — that remains the backend's job
// — it exists only so the gateway has a stable principal to print at
// startup and to present to operators.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the persisted identity file within the gateway's
// data directory.
const FileName = "identity.yaml"

// Identity is the gateway's long-lived Ed25519 public key plus its derived
// principal. The private key is held only for an identity generated in the
// current process.
type Identity struct {
	CreatedAt   time.Time `yaml:"created_at"`
	PublicKeyB64 string   `yaml:"public_key_b64"`
	Principal   string    `yaml:"principal"`

	privateKey ed25519.PrivateKey
}

// PrivateKey returns the private key material. It is not persisted to
// disk, so it is nil for an identity loaded from an existing file.
func (id *Identity) PrivateKey() ed25519.PrivateKey {
	return id.privateKey
}

// LoadOrCreate loads the identity from <dataDir>/identity.yaml, generating
// and persisting a fresh one if the file does not exist.
func LoadOrCreate(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, FileName)

	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := yaml.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
		}
		pub, err := base64.StdEncoding.DecodeString(id.PublicKeyB64)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("identity file %s has malformed public key", path)
		}
		return &id, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading identity file %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating gateway identity: %w", err)
	}

	principal, err := principalFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("deriving principal: %w", err)
	}

	id := &Identity{
		CreatedAt:    time.Now(),
		PublicKeyB64: base64.StdEncoding.EncodeToString(pub),
		Principal:    principal,
		privateKey:   priv,
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	out, err := yaml.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshalling identity: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("writing identity file %s: %w", path, err)
	}

	return id, nil
}

// principalFromPublicKey derives a self-authenticating IC-style principal
// text from an Ed25519 public key: SHA-224 over the DER/SPKI-encoded public
// key, suffixed with 0x02, then base32-encoded with a CRC32 checksum and
// dash-separated every 5 characters.
func principalFromPublicKey(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshalling public key to DER: %w", err)
	}

	blob := selfAuthenticatingBlob(der)
	return encodePrincipal(blob), nil
}

func encodePrincipal(blob []byte) string {
	checksum := crc32.ChecksumIEEE(blob)
	buf := make([]byte, 4+len(blob))
	buf[0] = byte(checksum >> 24)
	buf[1] = byte(checksum >> 16)
	buf[2] = byte(checksum >> 8)
	buf[3] = byte(checksum)
	copy(buf[4:], blob)

	encoded := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf))

	var b strings.Builder
	for i, r := range encoded {
		if i > 0 && i%5 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// selfAuthenticatingBlob hashes the DER-encoded public key with SHA-224 and
// appends the self-authenticating suffix byte (0x02), matching the IC
// principal convention for Ed25519-derived principals.
func selfAuthenticatingBlob(der []byte) []byte {
	sum := sha256.Sum224(der)
	return append(sum[:], 0x02)
}
