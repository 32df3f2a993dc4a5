// Package custody encrypts wallet secret material at rest with a key derived
// from the operator's password.
package custody

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	keySalt = "[*l.[`G=]N37qhYHS$&~O'F}+0}&VCwG"
	ivSalt  = "4=e:$=SnQEZJ+%a?{6T{AG{@fRr^h%c["

	// MinPasswordLength is the shortest password accepted by NewEncryptor.
	MinPasswordLength = 8

	keySize = 32
)

var (
	ErrInvalidPassword = errors.New("custody: password too short")
	ErrMalformed       = errors.New("custody: malformed ciphertext")
)

// Encryptor is AES-256-CBC with PKCS#7 padding. Key and IV are the leading hex
// characters of sha512(password || salt), taken as raw bytes, so ciphertexts
// stay compatible with wallets onboarded by earlier distributor releases.
// Nothing derived from the password is cached between calls.
type Encryptor struct {
	password string
}

func NewEncryptor(password string) (*Encryptor, error) {
	if len(password) < MinPasswordLength {
		return nil, ErrInvalidPassword
	}
	return &Encryptor{password: password}, nil
}

func (e *Encryptor) deriveKeyIV() (key, iv []byte) {
	k := sha512.Sum512([]byte(e.password + keySalt))
	v := sha512.Sum512([]byte(e.password + ivSalt))
	return []byte(hex.EncodeToString(k[:])[:keySize]), []byte(hex.EncodeToString(v[:])[:aes.BlockSize])
}

// Encrypt returns the hex encoded ciphertext of plain.
func (e *Encryptor) Encrypt(plain []byte) (string, error) {
	key, iv := e.deriveKeyIV()
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	padded := pad(plain, aes.BlockSize)
	defer Wipe(padded)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. The caller owns the returned slice and should
// wipe it once the secret is no longer needed.
func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := hex.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrMalformed, len(raw))
	}

	key, iv := e.deriveKeyIV()
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		Wipe(out)
		return nil, err
	}
	return plain, nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
		}
	}
	return b[:len(b)-n], nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
