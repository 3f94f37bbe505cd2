package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters
	pbkdfIterations = 100000
	saltLength      = 32
	keyLength       = 32

	keyFileName = "identity.key"
)

// KeyPair represents the node's durable signing key pair
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Algorithm  string
	Created    time.Time
}

// Identity is the node's durable addressable identity: one ed25519 keypair
// used both for message signing and as the libp2p host key
type Identity struct {
	keyPair       *KeyPair
	peerID        libp2pPeer.ID
	walletAddress string
	logger        *zap.Logger
}

// GenerateKeyPair creates a new signing key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Algorithm:  "Ed25519",
		Created:    time.Now(),
	}, nil
}

// LoadOrCreate loads the persisted identity key from the data directory or
// generates and persists a new one. A corrupt key file is replaced by a
// fresh keypair; the node then appears on the network under a new peer id.
func LoadOrCreate(dataDir, passphrase, walletAddress string, logger *zap.Logger) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	keyPath := filepath.Join(dataDir, keyFileName)

	keyPair, err := loadKeyFile(keyPath, passphrase)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Identity key unreadable, generating a new one",
				zap.String("path", keyPath),
				zap.Error(err))
		}
		keyPair, err = GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := saveKeyFile(keyPath, keyPair, passphrase); err != nil {
			return nil, fmt.Errorf("persisting identity key: %w", err)
		}
	}

	id := &Identity{
		keyPair:       keyPair,
		walletAddress: walletAddress,
		logger:        logger,
	}

	priv, err := id.Libp2pKey()
	if err != nil {
		return nil, err
	}
	peerID, err := libp2pPeer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("deriving peer id: %w", err)
	}
	id.peerID = peerID

	return id, nil
}

// PeerID returns the libp2p peer id derived from the signing key
func (id *Identity) PeerID() libp2pPeer.ID {
	return id.peerID
}

// WalletAddress returns the configured settlement address (placeholder)
func (id *Identity) WalletAddress() string {
	return id.walletAddress
}

// PublicKey returns the raw public signing key
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.keyPair.PublicKey
}

// Libp2pKey returns the host private key backed by the same ed25519 seed,
// so the wire identity and the signing identity are one keypair
func (id *Identity) Libp2pKey() (libp2pCrypto.PrivKey, error) {
	priv, err := libp2pCrypto.UnmarshalEd25519PrivateKey(id.keyPair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("converting host key: %w", err)
	}
	return priv, nil
}

// Sign creates a digital signature for data
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.keyPair.PrivateKey, data)
}

// Verify checks a digital signature against a public key
func Verify(data, signature []byte, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// HashData creates a 256-bit hex digest of data. Used for output and
// metrics hashing; independent of the store's content identifiers.
func HashData(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// EncodeKey encodes binary key or signature material for JSON transport
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey decodes key or signature material from its text form
func DecodeKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding key material: %w", err)
	}
	return raw, nil
}

// Key file handling

func loadKeyFile(path, passphrase string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if passphrase != "" {
		raw, err = decryptKey(raw, passphrase)
		if err != nil {
			return nil, err
		}
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unexpected key length %d", len(raw))
	}

	priv := ed25519.PrivateKey(raw)
	info, _ := os.Stat(path)
	created := time.Now()
	if info != nil {
		created = info.ModTime()
	}

	return &KeyPair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
		Algorithm:  "Ed25519",
		Created:    created,
	}, nil
}

func saveKeyFile(path string, keyPair *KeyPair, passphrase string) error {
	raw := []byte(keyPair.PrivateKey)

	if passphrase != "" {
		encrypted, err := encryptKey(raw, passphrase)
		if err != nil {
			return err
		}
		raw = encrypted
	}

	return os.WriteFile(path, raw, 0600)
}

// DeriveKey derives an encryption key from a passphrase
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdfIterations, keyLength, sha256.New)
}

func encryptKey(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := newGCM(DeriveKey([]byte(passphrase), salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	// Layout: salt || nonce || ciphertext
	out := append(salt, gcm.Seal(nonce, nonce, plaintext, nil)...)
	return out, nil
}

func decryptKey(blob []byte, passphrase string) ([]byte, error) {
	if len(blob) < saltLength {
		return nil, fmt.Errorf("key file too short")
	}
	salt, rest := blob[:saltLength], blob[saltLength:]

	gcm, err := newGCM(DeriveKey([]byte(passphrase), salt))
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("key file too short")
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
