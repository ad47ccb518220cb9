// Package security provides the encryption primitives used by the backup
// engine to protect snapshot payloads at rest, and the script-security
// validator used by the job scheduler's prompt flow.
//
// Payload encryption is derived from the EVE file-encryption helper: same
// AES-256-GCM construction, generalized from whole files on disk to
// in-memory byte payloads so the backup engine can encrypt a chunk-list
// payload without touching the filesystem.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// fernetTTL is effectively "no expiry": backup payloads may be decrypted
// long after they were written, so token age is not a rejection criterion.
const fernetTTL = 100 * 365 * 24 * time.Hour

// Method identifies an encryption algorithm for a backup payload.
type Method string

const (
	MethodNone     Method = "none"
	MethodAESGCM   Method = "aes-256-gcm"
	MethodFernet   Method = "fernet"
)

// Encrypt encrypts plaintext under the given method using a key derived
// from pass. MethodNone returns plaintext unchanged.
func Encrypt(method Method, pass string, plaintext []byte) ([]byte, error) {
	switch method {
	case "", MethodNone:
		return plaintext, nil
	case MethodAESGCM:
		return encryptAESGCM(pass, plaintext)
	case MethodFernet:
		return encryptFernet(pass, plaintext)
	default:
		return nil, fmt.Errorf("security: unsupported encryption method %q", method)
	}
}

// Decrypt reverses Encrypt.
func Decrypt(method Method, pass string, ciphertext []byte) ([]byte, error) {
	switch method {
	case "", MethodNone:
		return ciphertext, nil
	case MethodAESGCM:
		return decryptAESGCM(pass, ciphertext)
	case MethodFernet:
		return decryptFernet(pass, ciphertext)
	default:
		return nil, fmt.Errorf("security: unsupported encryption method %q", method)
	}
}

// encryptAESGCM encrypts plaintext using AES-256-GCM with a key derived
// from pass via SHA-256. A random nonce is generated and prepended to the
// ciphertext, exactly as the teacher's file-based EncryptFile did.
func encryptAESGCM(pass string, plaintext []byte) ([]byte, error) {
	key := sha256.Sum256([]byte(pass))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aesGCM.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptAESGCM reverses encryptAESGCM.
func decryptAESGCM(pass string, ciphertext []byte) ([]byte, error) {
	key := sha256.Sum256([]byte(pass))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := aesGCM.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("security: ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return aesGCM.Open(nil, nonce, ct, nil)
}

// fernetKey derives a 32-byte Fernet key from an arbitrary passphrase.
func fernetKey(pass string) (*fernet.Key, error) {
	sum := sha256.Sum256([]byte(pass))
	var k fernet.Key
	copy(k[:], sum[:])
	return &k, nil
}

func encryptFernet(pass string, plaintext []byte) ([]byte, error) {
	key, err := fernetKey(pass)
	if err != nil {
		return nil, err
	}
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("security: fernet encrypt: %w", err)
	}
	return tok, nil
}

func decryptFernet(pass string, ciphertext []byte) ([]byte, error) {
	key, err := fernetKey(pass)
	if err != nil {
		return nil, err
	}
	msg := fernet.VerifyAndDecrypt(ciphertext, fernetTTL, []*fernet.Key{key})
	if msg == nil {
		return nil, fmt.Errorf("security: fernet decrypt failed")
	}
	return msg, nil
}
