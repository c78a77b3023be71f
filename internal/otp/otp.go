// Package otp implements the one-time-passcode subsystem: generation,
// salted-hash storage, single-use verification with attempt throttling,
// and the separate generation/verification rate limits §4.4 requires.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/tandemhq/tandem/gateway-plane/internal/ratelimit"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

const (
	principalAlphabet = "0123456789!@#$%^&*"
	senderAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*"

	principalLength = 6
	senderLength    = 8

	saltBytes     = 16
	pbkdf2Iters   = 10000
	pbkdf2KeyLen  = 64
	defaultMaxAttempts = 3
)

// ErrInvalid is the unified failure the spec requires: it never
// distinguishes expired, attempts-exhausted, or mismatched codes to a
// caller, so a brute-force attempt learns nothing from the response.
var ErrInvalid = errors.New("otp: invalid or expired code")

// ErrThrottled means the caller exceeded the generation or verification
// rate limit before storage was ever touched.
var ErrThrottled = errors.New("otp: rate limited")

// Service generates and verifies OTP challenges.
type Service struct {
	store   store.OTPStore
	limiter *ratelimit.Limiter
	ttl     time.Duration
}

// NewService builds an OTP service with the given absolute code TTL
// (default 300s, at most 900s; pkg/server's otpTTL applies both).
func NewService(st store.OTPStore, limiter *ratelimit.Limiter, ttl time.Duration) *Service {
	return &Service{store: st, limiter: limiter, ttl: ttl}
}

// Generated is the one-time plaintext result of Generate. Callers must
// hand it to the delivery path and then let it fall out of scope —
// nothing else in this package retains it.
type Generated struct {
	RecordID string
	Code     string
}

// Generate issues a new OTP for (tenantID, senderKey, purpose, subject),
// throttled by actorID (the principal or sender identifier being rate
// limited — §4.4 limits principal registration/login generation to 10
// per 60 min).
func (s *Service) Generate(ctx context.Context, actorID string, profile models.OTPProfile, tenantID, senderKey string, purpose models.OTPPurpose, subject string) (*Generated, error) {
	allowed, err := s.limiter.Allow(ctx, "otp_generate:"+actorID, 10, time.Hour)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrThrottled
	}

	code, err := randomCode(profile)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	hash := pbkdf2.Key([]byte(code), salt, pbkdf2Iters, pbkdf2KeyLen, sha512.New)

	rec := &models.OTPRecord{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		SenderKey:   senderKey,
		Purpose:     purpose,
		Subject:     subject,
		Salt:        salt,
		Hash:        hash,
		MaxAttempts: defaultMaxAttempts,
		ExpiresAt:   time.Now().Add(s.ttl),
	}
	if err := s.store.CreateOTP(ctx, rec); err != nil {
		return nil, err
	}

	return &Generated{RecordID: rec.ID, Code: code}, nil
}

// Verified describes a successfully-verified OTP challenge: the purpose
// it was issued for and the subject (order/escalation ID) it gates, so
// the caller can confirm the presented token actually authorizes the
// action being taken and not some other pending challenge.
type Verified struct {
	Purpose models.OTPPurpose
	Subject string
}

// Verify follows the §4.4 steps: load, check expiry, check
// attempts-exhausted, increment atomically, compare in constant time,
// and on success consume the record so it can never be reused. An
// exhausted record is not deleted: it stays in the store and every
// later verification of it returns ErrInvalid.
func (s *Service) Verify(ctx context.Context, actorKey string, recordID, presentedCode string) (Verified, error) {
	allowed, err := s.limiter.Allow(ctx, "otp_verify:"+actorKey, 3, 10*time.Minute)
	if err != nil {
		return Verified{}, err
	}
	if !allowed {
		return Verified{}, ErrThrottled
	}

	rec, err := s.store.GetOTP(ctx, recordID)
	if err != nil {
		return Verified{}, ErrInvalid
	}
	if rec.Consumed || time.Now().After(rec.ExpiresAt) {
		return Verified{}, ErrInvalid
	}
	if rec.Attempts >= rec.MaxAttempts {
		return Verified{}, ErrInvalid
	}

	if _, err := s.store.IncrementAttempt(ctx, recordID); err != nil {
		// Lost the race to a concurrent attempt/consume — same outcome
		// either way: this attempt is invalid.
		return Verified{}, ErrInvalid
	}

	computed := pbkdf2.Key([]byte(presentedCode), rec.Salt, pbkdf2Iters, pbkdf2KeyLen, sha512.New)
	if subtle.ConstantTimeCompare(computed, rec.Hash) != 1 {
		return Verified{}, ErrInvalid
	}

	if err := s.store.ConsumeOTP(ctx, recordID); err != nil {
		return Verified{}, ErrInvalid
	}
	return Verified{Purpose: rec.Purpose, Subject: rec.Subject}, nil
}

func randomCode(profile models.OTPProfile) (string, error) {
	alphabet := senderAlphabet
	length := senderLength
	if profile == models.OTPProfilePrincipal {
		alphabet = principalAlphabet
		length = principalLength
	}

	buf := make([]byte, length)
	idx := make([]byte, length)
	if _, err := rand.Read(idx); err != nil {
		return "", err
	}
	for i, b := range idx {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}
