package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/machinaear/iam/storage"
)

const (
	// AltchaAlgorithm is the only hash algorithm offered and accepted
	AltchaAlgorithm = "SHA-256"

	// AltchaMinNumber and AltchaMaxNumber bound the secret number; maxnumber is sent to the client
	AltchaMinNumber = 50000
	AltchaMaxNumber = 100000

	// AltchaChallengeTTL is how long a challenge can be solved
	AltchaChallengeTTL = 5 * time.Minute

	altchaSaltBytes = 12
	altchaKeyBytes  = 32
)

// ALTCHA verification errors
var (
	ErrAltchaMalformed = errors.New("altcha: malformed payload")
	ErrAltchaAlgorithm = errors.New("altcha: unsupported algorithm")
	ErrAltchaExpired   = errors.New("altcha: challenge expired")
	ErrAltchaSignature = errors.New("altcha: invalid signature")
	ErrAltchaSolution  = errors.New("altcha: wrong solution")
	ErrAltchaReplay    = errors.New("altcha: challenge already used")
)

// AltchaChallenge is sent to the browser widget.
type AltchaChallenge struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
	MaxNumber int    `json:"maxnumber"`
}

// AltchaSolution is the decoded payload returned by the widget.
type AltchaSolution struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	Number    int    `json:"number"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
}

// AltchaManager issues and verifies proof-of-work challenges.
// Challenges are stateless and signed; only the replay set is stored.
type AltchaManager struct {
	key    []byte
	replay storage.ChallengeStore
	now    func() time.Time
	logger *slog.Logger
}

// NewAltchaManager creates a manager signing with key and recording solved
// challenges in replay. When key is empty a random key is generated; challenges
// then do not survive a restart and are not portable across instances.
func NewAltchaManager(key []byte, replay storage.ChallengeStore, logger *slog.Logger) (*AltchaManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if replay == nil {
		return nil, errors.New("altcha: replay store is required")
	}
	if len(key) == 0 {
		key = make([]byte, altchaKeyBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("altcha: failed to generate key: %w", err)
		}
		logger.Warn("ALTCHA_HMAC_SECRET not set, using an ephemeral random key",
			"impact", "challenges are invalidated on restart and not shared across instances")
	}
	return &AltchaManager{
		key:    key,
		replay: replay,
		now:    time.Now,
		logger: logger,
	}, nil
}

// SetClock overrides the time source.
func (m *AltchaManager) SetClock(now func() time.Time) {
	m.now = now
}

// GenerateChallenge creates a new signed challenge. The secret number is not returned.
func (m *AltchaManager) GenerateChallenge() (*AltchaChallenge, error) {
	saltBytes := make([]byte, altchaSaltBytes)
	if _, err := rand.Read(saltBytes); err != nil {
		return nil, fmt.Errorf("altcha: failed to generate salt: %w", err)
	}

	n, err := rand.Int(rand.Reader, big.NewInt(AltchaMaxNumber-AltchaMinNumber))
	if err != nil {
		return nil, fmt.Errorf("altcha: failed to generate number: %w", err)
	}
	secret := int(n.Int64()) + AltchaMinNumber

	expires := m.now().Add(AltchaChallengeTTL).Unix()
	salt := base64.RawURLEncoding.EncodeToString(saltBytes) + "?expires=" + strconv.FormatInt(expires, 10)
	challenge := altchaHash(salt, secret)

	return &AltchaChallenge{
		Algorithm: AltchaAlgorithm,
		Challenge: challenge,
		Salt:      salt,
		Signature: m.sign(salt + challenge),
		MaxNumber: AltchaMaxNumber,
	}, nil
}

// Verify checks a base64 JSON payload and marks its challenge consumed.
// Checks run in order: algorithm, expiry, signature, solution, replay.
func (m *AltchaManager) Verify(ctx context.Context, payload string) error {
	sol, err := DecodeAltchaPayload(payload)
	if err != nil {
		return err
	}

	if sol.Algorithm != AltchaAlgorithm {
		return ErrAltchaAlgorithm
	}

	expires, err := altchaExpiry(sol.Salt)
	if err != nil {
		return err
	}
	now := m.now()
	if now.Unix() > expires {
		return ErrAltchaExpired
	}

	expected := m.sign(sol.Salt + sol.Challenge)
	if subtle.ConstantTimeCompare([]byte(sol.Signature), []byte(expected)) != 1 {
		return ErrAltchaSignature
	}

	computed := altchaHash(sol.Salt, sol.Number)
	if subtle.ConstantTimeCompare([]byte(sol.Challenge), []byte(computed)) != 1 {
		return ErrAltchaSolution
	}

	record := &storage.Challenge{
		Kind:      storage.ChallengeAltcha,
		Key:       sol.Challenge,
		CreatedAt: now,
		ExpiresAt: now.Add(AltchaChallengeTTL),
		Used:      true,
		UsedAt:    now,
	}
	if err := m.replay.PutChallenge(ctx, record); err != nil {
		if errors.Is(err, storage.ErrChallengeExists) {
			return ErrAltchaReplay
		}
		return fmt.Errorf("altcha: failed to record challenge: %w", err)
	}

	return nil
}

// DecodeAltchaPayload decodes the widget payload (base64 of a JSON object).
func DecodeAltchaPayload(payload string) (*AltchaSolution, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, ErrAltchaMalformed
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAltchaMalformed, err)
		}
	}

	var sol AltchaSolution
	if err := json.Unmarshal(raw, &sol); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAltchaMalformed, err)
	}
	return &sol, nil
}

// EncodeAltchaPayload is the inverse of DecodeAltchaPayload.
func EncodeAltchaPayload(sol *AltchaSolution) (string, error) {
	raw, err := json.Marshal(sol)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// SolveAltcha brute-forces a challenge the way the browser widget does.
// Returns false if no number up to MaxNumber matches.
func SolveAltcha(c *AltchaChallenge) (*AltchaSolution, bool) {
	for n := 0; n <= c.MaxNumber; n++ {
		if altchaHash(c.Salt, n) == c.Challenge {
			return &AltchaSolution{
				Algorithm: c.Algorithm,
				Challenge: c.Challenge,
				Number:    n,
				Salt:      c.Salt,
				Signature: c.Signature,
			}, true
		}
	}
	return nil, false
}

func (m *AltchaManager) sign(s string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}

func altchaHash(salt string, number int) string {
	sum := sha256.Sum256([]byte(salt + strconv.Itoa(number)))
	return hex.EncodeToString(sum[:])
}

// altchaExpiry extracts the unix expiry from "<salt>?expires=<unix>".
// A salt without an expiry is rejected.
func altchaExpiry(salt string) (int64, error) {
	_, query, found := strings.Cut(salt, "?")
	if !found {
		return 0, fmt.Errorf("%w: salt has no expiry", ErrAltchaMalformed)
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAltchaMalformed, err)
	}
	expires, err := strconv.ParseInt(params.Get("expires"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid expiry", ErrAltchaMalformed)
	}
	return expires, nil
}
