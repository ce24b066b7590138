// Package pagination implements the list-operation pagination token:
// an AES-encrypted, caller-and-thing-bound cursor.
package pagination

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 65536
	keyLenBytes      = 32

	// FormatZeroIV reproduces the documented zero-IV convention. Kept
	// for wire compatibility with callers that predate FormatRandomIV.
	FormatZeroIV byte = 0
	// FormatRandomIV prefixes a random 16-byte IV to the ciphertext.
	FormatRandomIV byte = 1
)

// Cursor is the decoded contents of a pagination token.
type Cursor struct {
	Offset   uint32
	PageSize uint32
}

func deriveKey(callerID, thing string) []byte {
	salt := []byte(callerID + ":" + thing)
	return pbkdf2.Key(salt, salt, pbkdf2Iterations, keyLenBytes, sha256.New)
}

// Encode produces an opaque, base64 pagination token bound to callerID
// and thing, using the given format version.
func Encode(callerID, thing string, cursor Cursor, format byte) (string, error) {
	key := deriveKey(callerID, thing)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("pagination: new cipher: %w", err)
	}

	plain := make([]byte, 8)
	binary.BigEndian.PutUint32(plain[0:4], cursor.Offset)
	binary.BigEndian.PutUint32(plain[4:8], cursor.PageSize)
	plain = pkcs7Pad(plain, block.BlockSize())

	var iv [16]byte
	if format == FormatRandomIV {
		if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
			return "", fmt.Errorf("pagination: generate iv: %w", err)
		}
	}

	mode := cipher.NewCBCEncrypter(block, iv[:])
	ciphertext := make([]byte, len(plain))
	mode.CryptBlocks(ciphertext, plain)

	out := make([]byte, 0, 1+16+len(ciphertext))
	out = append(out, format)
	if format == FormatRandomIV {
		out = append(out, iv[:]...)
	}
	out = append(out, ciphertext...)

	return base64.URLEncoding.EncodeToString(out), nil
}

// Decode reverses Encode, rejecting a token bound to a different
// callerID or thing, or one with an unknown format byte.
func Decode(token, callerID, thing string) (Cursor, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, errors.New("pagination: malformed token")
	}
	if len(raw) < 1 {
		return Cursor{}, errors.New("pagination: empty token")
	}

	format := raw[0]
	body := raw[1:]

	var iv [16]byte
	switch format {
	case FormatZeroIV:
		// iv stays zero
	case FormatRandomIV:
		if len(body) < 16 {
			return Cursor{}, errors.New("pagination: truncated token")
		}
		copy(iv[:], body[:16])
		body = body[16:]
	default:
		return Cursor{}, fmt.Errorf("pagination: unknown token format %d", format)
	}

	key := deriveKey(callerID, thing)
	block, err := aes.NewCipher(key)
	if err != nil {
		return Cursor{}, fmt.Errorf("pagination: new cipher: %w", err)
	}
	if len(body) == 0 || len(body)%block.BlockSize() != 0 {
		return Cursor{}, errors.New("pagination: corrupt token")
	}

	mode := cipher.NewCBCDecrypter(block, iv[:])
	plain := make([]byte, len(body))
	mode.CryptBlocks(plain, body)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return Cursor{}, fmt.Errorf("pagination: invalid token: %w", err)
	}
	if len(plain) != 8 {
		return Cursor{}, errors.New("pagination: invalid token length")
	}

	return Cursor{
		Offset:   binary.BigEndian.Uint32(plain[0:4]),
		PageSize: binary.BigEndian.Uint32(plain[4:8]),
	}, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	return data[:len(data)-padLen], nil
}
