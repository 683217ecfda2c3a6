// ABOUTME: RSA key handling for the salted login handshake
// ABOUTME: Loads/generates the PEM key and decrypts salt-prefixed credentials

package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Handshake errors
var (
	// ErrDecryptFailed means the posted ciphertext was not valid hex or did
	// not decrypt under the node key.
	ErrDecryptFailed = errors.New("decrypt failed")
	// ErrSaltMismatch means the decrypted credential did not start with the
	// salt issued to the session.
	ErrSaltMismatch = errors.New("salt mismatch")
)

const keyBits = 2048

// LoadPrivateKey reads an RSA private key from a PEM file.
// Both PKCS#1 ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") blocks are accepted.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s does not contain an RSA key", path)
	}
	return key, nil
}

// GeneratePrivateKey creates a new RSA key and writes it to path as PKCS#1 PEM.
func GeneratePrivateKey(path string) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}

	return key, nil
}

// LoadOrGeneratePrivateKey loads the key at path, generating it on first run.
// The key is cached by the caller for the life of the process.
func LoadOrGeneratePrivateKey(path string) (*rsa.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadPrivateKey(path)
	}
	return GeneratePrivateKey(path)
}

// PublicKeyHex returns the public exponent and modulus as lowercase hex
// strings, the form the browser-side encryptor consumes.
func PublicKeyHex(key *rsa.PrivateKey) (e, n string) {
	return strconv.FormatInt(int64(key.PublicKey.E), 16), key.PublicKey.N.Text(16)
}

// DecryptSalted decrypts a hex-encoded PKCS#1 v1.5 ciphertext and strips the
// expected salt prefix, returning the remaining plaintext (the password).
func DecryptSalted(key *rsa.PrivateKey, cipherHex, salt string) (string, error) {
	ct, err := hex.DecodeString(strings.TrimSpace(cipherHex))
	if err != nil {
		return "", ErrDecryptFailed
	}

	plain, err := rsa.DecryptPKCS1v15(nil, key, ct)
	if err != nil {
		return "", ErrDecryptFailed
	}

	text := string(plain)
	if salt == "" || !strings.HasPrefix(text, salt) {
		return "", ErrSaltMismatch
	}

	return strings.TrimPrefix(text, salt), nil
}

// EncryptSalted produces the hex ciphertext a client posts to login:
// RSA-encrypt(salt || password) under the server's public key.
func EncryptSalted(pub *rsa.PublicKey, salt, password string) (string, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(salt+password))
	if err != nil {
		return "", fmt.Errorf("encrypting credential: %w", err)
	}
	return hex.EncodeToString(ct), nil
}
