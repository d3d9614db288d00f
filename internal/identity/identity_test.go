package identity

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestKeypair(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	again, err := FromHex(k.PrivateKeyHex())
	if err != nil {
		t.Fatal(err)
	}
	if k.DID() != again.DID() {
		t.Fatalf("expected the same DID, got %s and %s", k.DID(), again.DID())
	}
	if !strings.HasPrefix(k.DID(), DIDPrefix) || len(k.DID()) != len(DIDPrefix)+66 {
		t.Fatalf("unexpected DID %s", k.DID())
	}

	did, err := DIDFromPublicKey(k.PublicKeyHex())
	if err != nil {
		t.Fatal(err)
	}
	if did != k.DID() {
		t.Fatalf("expected %s, got %s", k.DID(), did)
	}

	for _, bad := range []string{"", "zz", strings.Repeat("00", 32), strings.Repeat("11", 31)} {
		if _, err := FromHex(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("expected invalid key for %q, got %v", bad, err)
		}
	}
	if _, err := DIDFromPublicKey("02" + strings.Repeat("ff", 32)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	node, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	other, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	share, err := Encrypt(node.PublicKey(), []byte("secret share"))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := node.Decrypt(share)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "secret share" {
		t.Fatalf("unexpected plaintext %q", plain)
	}

	// Uncompressed ephemeral key, nonce and tag precede the ciphertext.
	sealed, _ := base64.StdEncoding.DecodeString(share)
	if exp := 65 + 16 + 16 + len("secret share"); len(sealed) != exp {
		t.Fatalf("expected %d sealed bytes, got %d", exp, len(sealed))
	}
	if sealed[0] != 0x04 {
		t.Fatalf("expected an uncompressed ephemeral key, got prefix %#x", sealed[0])
	}

	if _, err := Encrypt([]byte("not a key"), []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}

	if _, err := other.Decrypt(share); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected decryption to fail with the wrong key, got %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(share)
	raw[len(raw)-1] ^= 1
	for _, bad := range []string{"not base64!", base64.StdEncoding.EncodeToString(raw[:20]), base64.StdEncoding.EncodeToString(raw)} {
		if _, err := node.Decrypt(bad); !errors.Is(err, ErrDecryption) {
			t.Errorf("expected decryption error for %q, got %v", bad, err)
		}
	}
}
