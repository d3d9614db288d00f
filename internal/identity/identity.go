// Package identity holds the node keypair. A DID is "did:nil:" followed by
// the hex encoded compressed secp256k1 public key. Secret shares are sent
// to the node ECIES encrypted and base64 encoded.
package identity

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ecies "github.com/ecies/go/v2"
)

const DIDPrefix = "did:nil:"

var (
	ErrDecryption = errors.New("decryption failed")
	ErrInvalidKey = errors.New("invalid key")
)

type Keypair struct {
	priv  *secp256k1.PrivateKey
	ecies *ecies.PrivateKey
}

func newKeypair(priv *secp256k1.PrivateKey) *Keypair {
	return &Keypair{priv: priv, ecies: ecies.NewPrivateKeyFromBytes(priv.Serialize())}
}

func Generate() (*Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newKeypair(priv), nil
}

// FromHex loads a keypair from its hex encoded 32 byte private key.
func FromHex(s string) (*Keypair, error) {
	bs, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(bs) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: private key has %d bytes, want %d", ErrInvalidKey, len(bs), secp256k1.PrivKeyBytesLen)
	}
	priv := secp256k1.PrivKeyFromBytes(bs)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero private key", ErrInvalidKey)
	}
	return newKeypair(priv), nil
}

func (k *Keypair) PrivateKeyHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

func (k *Keypair) PublicKey() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

func (k *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey())
}

func (k *Keypair) DID() string {
	return DIDPrefix + k.PublicKeyHex()
}

// DIDFromPublicKey derives the DID of a hex encoded public key, compressed
// or not.
func DIDFromPublicKey(pubHex string) (string, error) {
	bs, err := hex.DecodeString(strings.TrimPrefix(pubHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, err := secp256k1.ParsePubKey(bs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return DIDPrefix + hex.EncodeToString(pub.SerializeCompressed()), nil
}

// Encrypt seals plaintext for the holder of the public key with
// secp256k1 ECIES in the eciesjs layout (uncompressed ephemeral key, 16
// byte nonce, tag, ciphertext) and returns it base64 encoded.
func Encrypt(recipient []byte, plaintext []byte) (string, error) {
	pub, err := ecies.NewPublicKeyFromBytes(recipient)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sealed, err := ecies.Encrypt(pub, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a share sealed by Encrypt or by an eciesjs client. Any
// malformed or tampered input fails with ErrDecryption.
func (k *Keypair) Decrypt(share string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(share)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plain, err := ecies.Decrypt(k.ecies, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plain, nil
}
