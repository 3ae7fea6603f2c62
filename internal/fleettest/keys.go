package fleettest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

// KeyPair is an ED25519 key in the forms tests need.
type KeyPair struct {
	Signer        ssh.Signer
	PrivateKeyPEM []byte
	AuthorizedKey []byte
}

// GenerateKey creates a fresh ED25519 key pair, PKCS8 PEM encoded.
func GenerateKey(t testing.TB) KeyPair {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	return KeyPair{
		Signer:        signer,
		PrivateKeyPEM: pemBytes,
		AuthorizedKey: ssh.MarshalAuthorizedKey(signer.PublicKey()),
	}
}

// WriteIdentity writes the private key to a 0600 file under dir and returns
// its path.
func (k KeyPair) WriteIdentity(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, k.PrivateKeyPEM, 0600); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	return path
}
