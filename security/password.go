package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

const (
	// MinPasswordLength is the minimum accepted password length
	MinPasswordLength = 12

	// MinPasswordEntropyBits is the minimum Shannon entropy (bits per character times length)
	MinPasswordEntropyBits = 35.0
)

var (
	// ErrInvalidHash indicates the encoded hash is not a valid argon2id PHC string
	ErrInvalidHash = errors.New("invalid password hash format")

	// ErrIncompatibleVersion indicates the hash was produced by a different argon2 version
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

// Argon2Params controls the cost of Argon2id hashing.
type Argon2Params struct {
	// Memory in KiB
	// default: 32768 (32 MiB)
	Memory uint32

	// Iterations is the time cost
	// default: 3
	Iterations uint32

	// Parallelism is the number of lanes
	// default: 2
	Parallelism uint8

	// SaltLength in bytes
	// default: 16
	SaltLength uint32

	// KeyLength in bytes
	// default: 32
	KeyLength uint32
}

// DefaultArgon2Params returns the production hashing profile.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      32 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// PasswordHasher hashes and verifies secrets with Argon2id.
// Hashes are stored as PHC strings so parameters travel with the hash.
type PasswordHasher struct {
	params Argon2Params
}

// NewPasswordHasher creates a hasher. Zero-valued fields fall back to DefaultArgon2Params.
func NewPasswordHasher(params Argon2Params) *PasswordHasher {
	def := DefaultArgon2Params()
	if params.Memory == 0 {
		params.Memory = def.Memory
	}
	if params.Iterations == 0 {
		params.Iterations = def.Iterations
	}
	if params.Parallelism == 0 {
		params.Parallelism = def.Parallelism
	}
	if params.SaltLength == 0 {
		params.SaltLength = def.SaltLength
	}
	if params.KeyLength == 0 {
		params.KeyLength = def.KeyLength
	}
	return &PasswordHasher{params: params}
}

// Hash returns the PHC-encoded Argon2id hash of secret.
func (h *PasswordHasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches the encoded hash.
// A malformed hash is an error, a mismatch is not.
func (h *PasswordHasher) Verify(encoded, secret string) (bool, error) {
	params, salt, key, err := decodeArgon2Hash(encoded)
	if err != nil {
		return false, err
	}

	other := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return subtle.ConstantTimeCompare(key, other) == 1, nil
}

func decodeArgon2Hash(encoded string) (Argon2Params, []byte, []byte, error) {
	var params Argon2Params

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return params, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return params, nil, nil, ErrIncompatibleVersion
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return params, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return params, nil, nil, ErrInvalidHash
	}
	params.SaltLength = uint32(len(salt)) //nolint:gosec // G115: salt length is bounded by the decoded string
	params.KeyLength = uint32(len(key))   //nolint:gosec // G115: key length is bounded by the decoded string

	return params, salt, key, nil
}

// PasswordPolicyError lists every policy rule a password violates.
type PasswordPolicyError struct {
	Violations []string
}

func (e *PasswordPolicyError) Error() string {
	return strings.Join(e.Violations, "; ")
}

var (
	weakSequences = []string{
		"abc", "bcd", "cde", "def", "efg", "fgh", "ghi", "hij", "ijk", "jkl", "klm", "lmn",
		"mno", "nop", "opq", "pqr", "qrs", "rst", "stu", "tuv", "uvw", "vwx", "wxy", "xyz",
		"012", "123", "234", "345", "456", "567", "678", "789",
	}
	weakWords = []string{
		"password", "admin", "user", "login", "welcome", "qwerty", "asdf", "zxcv", "letmein", "monkey",
	}
)

// ValidatePassword enforces the password policy. It returns nil or a *PasswordPolicyError.
func ValidatePassword(password string) error {
	if password == "" {
		return &PasswordPolicyError{Violations: []string{"password is required"}}
	}

	var violations []string
	runes := []rune(password)

	if len(runes) < MinPasswordLength {
		violations = append(violations, fmt.Sprintf("password must be at least %d characters long", MinPasswordLength))
	}

	if characterClasses(runes) < 3 {
		violations = append(violations,
			"password must contain at least 3 of: lowercase letters, uppercase letters, numbers, special characters")
	}

	// pattern and entropy checks only apply once the basic shape is acceptable
	if len(violations) == 0 && containsWeakPattern(password) {
		violations = append(violations, "password contains common patterns or sequences")
	}
	if len(violations) == 0 {
		if bits := passwordEntropy(runes); bits < MinPasswordEntropyBits {
			violations = append(violations, fmt.Sprintf("password is too weak (entropy: %.1f bits)", bits))
		}
	}

	if len(violations) > 0 {
		return &PasswordPolicyError{Violations: violations}
	}
	return nil
}

func characterClasses(runes []rune) int {
	var lower, upper, digit, special bool
	for _, r := range runes {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}

	count := 0
	for _, ok := range []bool{lower, upper, digit, special} {
		if ok {
			count++
		}
	}
	return count
}

func containsWeakPattern(password string) bool {
	lower := strings.ToLower(password)
	for _, seq := range weakSequences {
		if strings.Contains(lower, seq) {
			return true
		}
	}
	for _, word := range weakWords {
		if strings.Contains(lower, word) {
			return true
		}
	}

	runes := []rune(password)
	for i := 0; i+2 < len(runes); i++ {
		if runes[i] == runes[i+1] && runes[i] == runes[i+2] {
			return true
		}
	}
	return false
}

// passwordEntropy is Shannon entropy per character multiplied by length.
func passwordEntropy(runes []rune) float64 {
	if len(runes) == 0 {
		return 0
	}

	freq := make(map[rune]int, len(runes))
	for _, r := range runes {
		freq[r]++
	}

	n := float64(len(runes))
	var perChar float64
	for _, count := range freq {
		p := float64(count) / n
		perChar -= p * math.Log2(p)
	}
	return perChar * n
}
