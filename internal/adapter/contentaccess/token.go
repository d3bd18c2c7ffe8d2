// Package contentaccess issues and verifies HMAC-signed, time-bounded bearer
// tokens granting access to a specific asset for a specific owner.
//
// Wire format: base64url(payload) + "." + base64url(HMAC-SHA256(secret, payload)),
// both without padding. The payload is the exact JSON byte sequence that was
// signed; verification authenticates those bytes before decoding them.
package contentaccess

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

const nonceBytes = 16

// Claims are the authenticated contents of a content token.
type Claims struct {
	AssetID string `json:"assetId"`
	OwnerID string `json:"ownerId"`
	Exp     int64  `json:"exp"`
	Nonce   string `json:"nonce"`
}

// Signer issues and verifies content tokens with a single shared secret.
type Signer struct {
	secret []byte
	clock  clock.Clock
}

// NewSigner constructs a Signer. The secret must be non-empty.
func NewSigner(secret []byte, clk clock.Clock) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("op=contentaccess.NewSigner: empty secret")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Signer{secret: secret, clock: clk}, nil
}

// Issue returns a token granting access to assetID for ownerID until now+ttl,
// along with the expiry instant baked into the token.
func (s *Signer) Issue(assetID, ownerID string, ttl time.Duration) (string, time.Time, error) {
	nonce, err := domain.NewNonce(nonceBytes)
	if err != nil {
		return "", time.Time{}, err
	}
	exp := s.clock.Now().Add(ttl)
	payload := Claims{
		AssetID: assetID,
		OwnerID: ownerID,
		Exp:     exp.Unix(),
		Nonce:   base64.RawURLEncoding.EncodeToString(nonce),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("op=contentaccess.Issue: %w", err)
	}
	mac := s.sign(body)
	token := base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(mac)
	return token, exp.UTC(), nil
}

// Verify authenticates a token and returns its claims. Expired, malformed,
// or tampered tokens are rejected; MAC comparison is constant time.
func (s *Signer) Verify(token string) (Claims, error) {
	part, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, fmt.Errorf("op=contentaccess.Verify: %w: missing separator", domain.ErrSignatureInvalid)
	}
	// Strict decoding rejects non-zero trailing padding bits so no two
	// distinct token strings decode to the same signed bytes.
	body, err := base64.RawURLEncoding.Strict().DecodeString(part)
	if err != nil {
		return Claims{}, fmt.Errorf("op=contentaccess.Verify: %w: payload encoding", domain.ErrSignatureInvalid)
	}
	mac, err := base64.RawURLEncoding.Strict().DecodeString(sig)
	if err != nil {
		return Claims{}, fmt.Errorf("op=contentaccess.Verify: %w: signature encoding", domain.ErrSignatureInvalid)
	}
	if !hmac.Equal(mac, s.sign(body)) {
		return Claims{}, fmt.Errorf("op=contentaccess.Verify: %w", domain.ErrSignatureInvalid)
	}
	var c Claims
	if err := json.Unmarshal(body, &c); err != nil {
		return Claims{}, fmt.Errorf("op=contentaccess.Verify: %w: payload shape", domain.ErrSignatureInvalid)
	}
	if c.AssetID == "" || c.OwnerID == "" {
		return Claims{}, fmt.Errorf("op=contentaccess.Verify: %w: empty subject", domain.ErrSignatureInvalid)
	}
	if !s.clock.Now().Before(time.Unix(c.Exp, 0)) {
		return Claims{}, fmt.Errorf("op=contentaccess.Verify: %w", domain.ErrTokenExpired)
	}
	return c, nil
}

func (s *Signer) sign(body []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(body)
	return h.Sum(nil)
}
