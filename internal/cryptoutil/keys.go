// Package cryptoutil implements the key derivation, framing, and MAC
// primitives used by the tunnel session: HKDF-SHA256 key derivation,
// AES-256-GCM seal/open, and HMAC-SHA256 with constant-time compare.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalidLength is returned when a ciphertext is too short to
// possibly contain a nonce and authentication tag.
var ErrInvalidLength = errors.New("cryptoutil: ciphertext too short")

// ErrAuthFailed is returned when GCM or HMAC verification fails.
var ErrAuthFailed = errors.New("cryptoutil: authentication failed")

// PSKSize is the required raw length of the pre-shared key.
const PSKSize = 32

// KeySize is the length of each derived send/recv key.
const KeySize = 32

const (
	nonceSize = 12
	tagSize   = 16
	hkdfInfo  = "secure-proxy-v1"
)

// DecodePSK decodes a 64-character hex string into a 32-byte
// pre-shared key, validating its length per spec.
func DecodePSK(hexPSK string) ([]byte, error) {
	raw, err := hex.DecodeString(hexPSK)
	if err != nil {
		return nil, errors.New("cryptoutil: psk is not valid hex")
	}
	if len(raw) != PSKSize {
		return nil, errors.New("cryptoutil: psk must decode to 32 bytes")
	}
	return raw, nil
}

// DeriveKeys runs HKDF-SHA256 over psk with salt = clientPub||serverPub
// and the fixed info string, returning the 32-byte send key (client to
// server) and the 32-byte recv key (server to client).
func DeriveKeys(psk, clientPub, serverPub []byte) (sendKey, recvKey []byte, err error) {
	if len(psk) != PSKSize {
		return nil, nil, errors.New("cryptoutil: psk must be 32 bytes")
	}
	if len(clientPub) != 32 || len(serverPub) != 32 {
		return nil, nil, errors.New("cryptoutil: pub tokens must be 32 bytes")
	}

	salt := make([]byte, 0, 64)
	salt = append(salt, clientPub...)
	salt = append(salt, serverPub...)

	reader := hkdf.New(sha256.New, psk, salt, []byte(hkdfInfo))
	out := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, nil, err
	}

	sendKey = out[:KeySize]
	recvKey = out[KeySize:]
	return sendKey, recvKey, nil
}

// Seal encrypts plaintext under key using AES-256-GCM with a fresh
// random nonce, returning nonce||ciphertext||tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, nonceSize+len(plaintext)+tagSize)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open decrypts a nonce||ciphertext||tag frame produced by Seal. It
// rejects undersized input and tag mismatches.
func Open(key, frame []byte) ([]byte, error) {
	if len(frame) < nonceSize+tagSize {
		return nil, ErrInvalidLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := frame[:nonceSize]
	ciphertext := frame[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// HMACTag returns the HMAC-SHA256 of msg keyed by key.
func HMACTag(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// ConstantTimeEqual compares two byte slices in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
