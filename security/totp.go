package security

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"image/png"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// TOTPPeriod is the RFC 6238 time step in seconds
	TOTPPeriod = 30

	// TOTPSkew is the number of adjacent time steps accepted on either side
	TOTPSkew = 1

	// DefaultRecoveryCodeCount is how many recovery codes are issued per enrollment
	DefaultRecoveryCodeCount = 10

	// RecoveryCodeLength is the number of characters in a recovery code
	RecoveryCodeLength = 10

	recoveryCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	qrCodeSize           = 200
)

// TOTPEnrollment is the material shown to a user exactly once during setup.
type TOTPEnrollment struct {
	Secret          string
	ProvisioningURL string
	// QRCodePNG is the provisioning URL rendered as a base64 PNG
	QRCodePNG     string
	RecoveryCodes []string
}

// TOTPManager generates and verifies time-based one-time passwords and recovery codes.
type TOTPManager struct {
	issuer string
	hasher *PasswordHasher
	now    func() time.Time
}

// NewTOTPManager creates a manager. Recovery codes are hashed with hasher.
func NewTOTPManager(issuer string, hasher *PasswordHasher) *TOTPManager {
	if hasher == nil {
		hasher = NewPasswordHasher(Argon2Params{})
	}
	return &TOTPManager{
		issuer: issuer,
		hasher: hasher,
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (m *TOTPManager) SetClock(now func() time.Time) {
	m.now = now
}

// NewEnrollment creates a fresh secret, provisioning URL, QR image and recovery codes.
// Nothing is persisted.
func (m *TOTPManager) NewEnrollment(accountName string) (*TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: accountName,
		Period:      TOTPPeriod,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	codes, err := GenerateRecoveryCodes(DefaultRecoveryCodeCount)
	if err != nil {
		return nil, err
	}

	return &TOTPEnrollment{
		Secret:          key.Secret(),
		ProvisioningURL: key.URL(),
		QRCodePNG:       base64.StdEncoding.EncodeToString(buf.Bytes()),
		RecoveryCodes:   codes,
	}, nil
}

// ValidateCode checks a 6-digit code against secret at the current time, allowing one step of skew.
func (m *TOTPManager) ValidateCode(secret, code string) bool {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != 6 {
		return false
	}

	ok, err := totp.ValidateCustom(code, secret, m.now().UTC(), totp.ValidateOpts{
		Period:    TOTPPeriod,
		Skew:      TOTPSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// GenerateCode returns the code for secret at t. Used by enrollment tooling and tests.
func GenerateCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t.UTC(), totp.ValidateOpts{
		Period:    TOTPPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// HashRecoveryCodes hashes codes for storage.
func (m *TOTPManager) HashRecoveryCodes(codes []string) ([]string, error) {
	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		h, err := m.hasher.Hash(NormalizeRecoveryCode(code))
		if err != nil {
			return nil, fmt.Errorf("failed to hash recovery code: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// MatchRecoveryCode returns the index of the stored hash matching code, or -1.
func (m *TOTPManager) MatchRecoveryCode(hashes []string, code string) int {
	code = NormalizeRecoveryCode(code)
	if len(code) != RecoveryCodeLength {
		return -1
	}
	for i, h := range hashes {
		if ok, err := m.hasher.Verify(h, code); err == nil && ok {
			return i
		}
	}
	return -1
}

// NormalizeRecoveryCode trims whitespace and upper-cases a user-entered code.
func NormalizeRecoveryCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateRecoveryCodes returns n random codes drawn from A-Z0-9.
func GenerateRecoveryCodes(n int) ([]string, error) {
	alphabetLen := big.NewInt(int64(len(recoveryCodeAlphabet)))
	codes := make([]string, 0, n)

	for range n {
		var sb strings.Builder
		for range RecoveryCodeLength {
			idx, err := rand.Int(rand.Reader, alphabetLen)
			if err != nil {
				return nil, fmt.Errorf("failed to generate recovery code: %w", err)
			}
			sb.WriteByte(recoveryCodeAlphabet[idx.Int64()])
		}
		codes = append(codes, sb.String())
	}
	return codes, nil
}
