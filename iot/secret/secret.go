// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package secret generates, hashes and verifies device secrets.

A device secret is 32 random bytes, hex encoded. Only a scrypt hash of the secret is ever
stored. The hash is self-describing,

	scrypt$N=16384$r=8$p=1$salt=<base64>$hash=<base64>

so the cost parameters can be raised later without invalidating existing hashes.
*/
package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Algorithm is the tag of the hash format
const Algorithm = "scrypt"

// the parameters used for new hashes
const (
	DefaultN      = 16384
	DefaultR      = 8
	DefaultP      = 1
	DefaultKeyLen = 32
	SaltLen       = 16
	SecretLen     = 32
)

// limits accepted when verifying a stored hash
const (
	maxN      = 1 << 20
	maxR      = 32
	maxP      = 16
	maxMemory = 256 << 20 // bytes, 128*N*r
	minKeyLen = 16
	maxKeyLen = 64
)

// ErrMalformedHash is returned by ParseHash for strings which are not a valid hash
var ErrMalformedHash = errors.New("malformed secret hash")

// Hash is a parsed secret hash
type Hash struct {
	N    int
	R    int
	P    int
	Salt []byte
	Key  []byte
}

// String serializes the hash
func (h Hash) String() string {
	return fmt.Sprintf("%s$N=%d$r=%d$p=%d$salt=%s$hash=%s", Algorithm, h.N, h.R, h.P,
		base64.StdEncoding.EncodeToString(h.Salt), base64.StdEncoding.EncodeToString(h.Key))
}

// ParseHash parses a serialized hash. Every field must be present exactly once and the
// parameters must be within the accepted bounds.
func ParseHash(s string) (Hash, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 6 || parts[0] != Algorithm {
		return Hash{}, ErrMalformedHash
	}
	fields := make(map[string]string, 5)
	for _, part := range parts[1:] {
		k, v, ok := strings.Cut(part, "=")
		if !ok || v == "" {
			return Hash{}, ErrMalformedHash
		}
		if _, dup := fields[k]; dup {
			return Hash{}, ErrMalformedHash
		}
		fields[k] = v
	}

	var h Hash
	var err error
	if h.N, err = intField(fields, "N"); err != nil {
		return Hash{}, err
	}
	if h.R, err = intField(fields, "r"); err != nil {
		return Hash{}, err
	}
	if h.P, err = intField(fields, "p"); err != nil {
		return Hash{}, err
	}
	if h.Salt, err = b64Field(fields, "salt"); err != nil {
		return Hash{}, err
	}
	if h.Key, err = b64Field(fields, "hash"); err != nil {
		return Hash{}, err
	}

	if h.N < 2 || h.N > maxN || h.N&(h.N-1) != 0 {
		return Hash{}, ErrMalformedHash
	}
	if h.R > maxR || h.P > maxP {
		return Hash{}, ErrMalformedHash
	}
	if int64(128)*int64(h.N)*int64(h.R) > maxMemory {
		return Hash{}, ErrMalformedHash
	}
	if len(h.Key) < minKeyLen || len(h.Key) > maxKeyLen || len(h.Salt) == 0 {
		return Hash{}, ErrMalformedHash
	}
	return h, nil
}

func intField(fields map[string]string, name string) (int, error) {
	v, ok := fields[name]
	if !ok {
		return 0, ErrMalformedHash
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return 0, ErrMalformedHash
	}
	return i, nil
}

func b64Field(fields map[string]string, name string) ([]byte, error) {
	v, ok := fields[name]
	if !ok {
		return nil, ErrMalformedHash
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, ErrMalformedHash
	}
	return b, nil
}

// Generate returns a new random device secret
func Generate() (string, error) {
	b := make([]byte, SecretLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cannot read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashSecret derives a hash for secret with the default parameters and a random salt
func HashSecret(secret string) (string, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cannot read random bytes: %w", err)
	}
	key, err := scrypt.Key([]byte(secret), salt, DefaultN, DefaultR, DefaultP, DefaultKeyLen)
	if err != nil {
		return "", fmt.Errorf("cannot derive key: %w", err)
	}
	return Hash{N: DefaultN, R: DefaultR, P: DefaultP, Salt: salt, Key: key}.String(), nil
}

// Verify returns true if secret matches the stored hash. It returns false for
// any stored hash which cannot be parsed.
func Verify(secret, stored string) bool {
	h, err := ParseHash(stored)
	if err != nil {
		return false
	}
	key, err := scrypt.Key([]byte(secret), h.Salt, h.N, h.R, h.P, len(h.Key))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(key, h.Key) == 1
}
