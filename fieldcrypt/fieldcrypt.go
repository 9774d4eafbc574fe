// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

// Package fieldcrypt encrypts designated sensitive fields (financial
// amounts) before they leave the device and decrypts them after they
// arrive. Keys are derived deterministically per device and user; the
// key itself is never transmitted or logged.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// DecryptionError is the typed failure surfaced when a pulled row's
// sensitive field cannot be decrypted. The affected record is skipped
// from the batch rather than corrupting local state.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("failed to decrypt sensitive field: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

const keyInfo = "bouncesync/budget-amounts/v1"

// Cipher performs AES-256-GCM over canonicalized amount values.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the symmetric key from the device secret and user id
// with HKDF-SHA256. The same (secret, userID) pair always yields the
// same key, so any session on the device can decrypt what earlier
// sessions stored or uploaded.
func NewCipher(deviceSecret []byte, userID string) (*Cipher, error) {
	if len(deviceSecret) == 0 {
		return nil, errors.New("device secret required")
	}
	if userID == "" {
		return nil, errors.New("user id required")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, deviceSecret, []byte(userID), []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptAmount seals an amount into base64(nonce || ciphertext). The
// nonce is random, so two encryptions of the same amount differ.
func (c *Cipher) EncryptAmount(amount float64) (string, error) {
	plaintext := []byte(strconv.FormatFloat(amount, 'f', -1, 64))
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptAmount reverses EncryptAmount. Any malformed or foreign-key
// ciphertext surfaces as a DecryptionError.
func (c *Cipher) DecryptAmount(ciphertext string) (float64, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return 0, &DecryptionError{Err: err}
	}
	if len(raw) < c.aead.NonceSize() {
		return 0, &DecryptionError{Err: errors.New("ciphertext too short")}
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return 0, &DecryptionError{Err: err}
	}
	amount, err := strconv.ParseFloat(string(plaintext), 64)
	if err != nil {
		return 0, &DecryptionError{Err: err}
	}
	return amount, nil
}
