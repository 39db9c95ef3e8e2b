package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Keeper owns the daemon's persistent Ed25519 identity and signs gateway
// authentication payloads with it.
type Keeper struct {
	deviceID     string
	publicKey    ed25519.PublicKey
	privateKey   ed25519.PrivateKey
	gatewayToken string
}

// keyFile is the on-disk identity layout.
type keyFile struct {
	Version       int    `json:"version"`
	DeviceID      string `json:"deviceId"`
	PublicKeyPem  string `json:"publicKeyPem"`
	PrivateKeyPem string `json:"privateKeyPem"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// AuthPayload is the signed device structure sent in the gateway connect
// handshake.
type AuthPayload struct {
	DeviceID   string `json:"deviceId"`
	PublicKey  string `json:"publicKey"`
	Signature  string `json:"signature"`
	SignedAtMs int64  `json:"signedAt"`
	Nonce      string `json:"nonce,omitempty"`
}

// DefaultPath returns the identity file location under the user's home.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".forked", "identity.json"), nil
}

// LoadOrCreate loads the identity at path, generating and persisting a fresh
// keypair when the file does not exist. gatewayToken participates in signed
// payloads and may be empty.
func LoadOrCreate(path, gatewayToken string) (*Keeper, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return loadExisting(data, gatewayToken)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	return createAndPersist(path, gatewayToken)
}

func loadExisting(data []byte, gatewayToken string) (*Keeper, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	if kf.Version != 1 {
		return nil, fmt.Errorf("unsupported identity file version %d", kf.Version)
	}

	pub, err := decodePublicKeyPem(kf.PublicKeyPem)
	if err != nil {
		return nil, err
	}
	priv, err := decodePrivateKeyPem(kf.PrivateKeyPem)
	if err != nil {
		return nil, err
	}

	return &Keeper{
		deviceID:     DeviceID(pub),
		publicKey:    pub,
		privateKey:   priv,
		gatewayToken: gatewayToken,
	}, nil
}

func createAndPersist(path, gatewayToken string) (*Keeper, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	pubPem, err := encodePublicKeyPem(pub)
	if err != nil {
		return nil, err
	}
	privPem, err := encodePrivateKeyPem(priv)
	if err != nil {
		return nil, err
	}

	kf := keyFile{
		Version:       1,
		DeviceID:      DeviceID(pub),
		PublicKeyPem:  pubPem,
		PrivateKeyPem: privPem,
		CreatedAtMs:   time.Now().UnixMilli(),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}

	return &Keeper{
		deviceID:     kf.DeviceID,
		publicKey:    pub,
		privateKey:   priv,
		gatewayToken: gatewayToken,
	}, nil
}

// DeviceID derives the stable device id: hex(SHA-256(raw public key bytes)).
func DeviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// DeviceID returns the keeper's stable device id.
func (k *Keeper) DeviceID() string {
	return k.deviceID
}

// SignAuthPayload signs the gateway authentication field list. With a nonce
// the payload is versioned v2, without it v1:
//
//	version|deviceID|cli|cli|role|scope1,scope2|signedAtMs|token[|nonce]
func (k *Keeper) SignAuthPayload(scopes []string, role, nonce string) AuthPayload {
	signedAt := time.Now().UnixMilli()
	version := "v1"
	if nonce != "" {
		version = "v2"
	}

	fields := []string{
		version,
		k.deviceID,
		"cli",
		"cli",
		role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAt, 10),
		k.gatewayToken,
	}
	if nonce != "" {
		fields = append(fields, nonce)
	}
	payload := strings.Join(fields, "|")
	signature := ed25519.Sign(k.privateKey, []byte(payload))

	return AuthPayload{
		DeviceID:   k.deviceID,
		PublicKey:  base64.RawURLEncoding.EncodeToString(k.publicKey),
		Signature:  base64.RawURLEncoding.EncodeToString(signature),
		SignedAtMs: signedAt,
		Nonce:      nonce,
	}
}

func encodePublicKeyPem(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func encodePrivateKeyPem(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func decodePublicKeyPem(text string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("identity file has no public key PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity public key is not Ed25519")
	}
	return pub, nil
}

func decodePrivateKeyPem(text string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("identity file has no private key PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity private key is not Ed25519")
	}
	return priv, nil
}
