package authentication

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
)

// MaxTokenLifetime bounds WithExpiration.
const MaxTokenLifetime = 365 * 24 * time.Hour

type TokenOpt func(*tokenOpts) error

type tokenOpts struct {
	nonce string
	now   time.Time
}

// WithExpiration makes the token expire at expiration, rounded to the minute.
func WithExpiration(expiration time.Time) TokenOpt {
	return func(opts *tokenOpts) error {
		exp := expiration.Sub(opts.now)
		if exp < 0 {
			return errors.New("expiration time is in the past")
		}
		if exp > MaxTokenLifetime {
			return errors.New("expiration time exceeds maximum of 1 year")
		}
		rounded := exp.Round(time.Minute)
		if rounded < time.Minute {
			rounded = time.Minute
		}
		opts.nonce = str2duration.String(rounded) + "." + strconv.FormatInt(opts.now.Unix(), 10)
		return nil
	}
}

func sign(sharedSecret string, nonce string) []byte {
	sum := sha256.Sum256([]byte(sharedSecret + "." + nonce))
	return sum[:]
}

// NewBearerToken returns a token signed with sharedSecret. Without options the
// token never expires and carries a random nonce.
func NewBearerToken(sharedSecret string, opts ...TokenOpt) (string, error) {
	o := tokenOpts{now: time.Now()}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return "", err
		}
	}
	if o.nonce == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "generating nonce")
		}
		o.nonce = hex.EncodeToString(buf)
	}
	return o.nonce + "." + base64.StdEncoding.EncodeToString(sign(sharedSecret, o.nonce)), nil
}

// ValidateToken checks a token produced by NewBearerToken.
func ValidateToken(sharedSecret string, token string) error {
	return validateTokenAt(sharedSecret, token, time.Now())
}

func validateTokenAt(sharedSecret string, token string, now time.Time) error {
	if len(token) < 32 {
		return ErrInvalidToken
	}
	parts := strings.Split(token, ".")

	var nonce, encoded string
	var expiration time.Time

	switch len(parts) {
	case 2:
		nonce, encoded = parts[0], parts[1]
	case 3:
		dur, err := str2duration.ParseDuration(parts[0])
		if err != nil || parts[0] == "" {
			return ErrInvalidToken
		}
		issued, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return ErrInvalidToken
		}
		expiration = time.Unix(issued, 0).Add(dur)
		nonce, encoded = parts[0]+"."+parts[1], parts[2]
	default:
		return ErrInvalidToken
	}

	signature, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(sign(sharedSecret, nonce), signature) == 0 {
		return ErrInvalidToken
	}
	if !expiration.IsZero() && expiration.Before(now) {
		return ErrTokenExpired
	}
	return nil
}
