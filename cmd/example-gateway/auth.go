package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLen     uint32
	keyLen      uint32
}

var defaultArgon2Params = argon2Params{
	memory:      64 * 1024,
	iterations:  3,
	parallelism: 2,
	saltLen:     16,
	keyLen:      32,
}

// hashKey produces an argon2id hash of a key in the encoded form
// verifyKey consumes: argon2id$iterations$memory$parallelism$salt$hash.
// Exposed for operators generating GATEWAY_ADMIN_KEY_HASH values.
func hashKey(key string, params argon2Params) (string, error) {
	salt := make([]byte, params.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(key), salt, params.iterations, params.memory, params.parallelism, params.keyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.iterations,
		params.memory,
		params.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifyKey checks a key against its encoded argon2id hash in constant
// time.
func verifyKey(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iterations, err1 := parseUint32(parts[1])
	memory, err2 := parseUint32(parts[2])
	par, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	parallelism := uint8(math.MaxUint8)
	if par <= math.MaxUint8 {
		parallelism = uint8(par)
	}
	actual := argon2.IDKey([]byte(key), salt, iterations, memory, parallelism, defaultArgon2Params.keyLen)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(x), nil
}
