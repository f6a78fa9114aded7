// Package confirm implements the re-authentication step that must succeed
// immediately before any financial operation is committed.
//
// A Gate tracks, per operation instance, one attempt counter per challenge
// kind. A successful challenge issues a single Authorization bound to the
// fingerprint of the quote the user saw; the commit path redeems it exactly
// once.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

var confirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moneycore_confirmations_total",
	Help: "Confirmation challenges by kind and outcome",
}, []string{"kind", "outcome"})

// ChallengeKind is one of the two interchangeable ways to re-assert identity.
type ChallengeKind string

const (
	KindSecret    ChallengeKind = "secret"
	KindBiometric ChallengeKind = "biometric"
)

// ParseKind converts a wire value into a ChallengeKind.
func ParseKind(s string) (ChallengeKind, error) {
	switch k := ChallengeKind(s); k {
	case KindSecret, KindBiometric:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown challenge kind %q", domain.ErrValidation, s)
}

// SecretVerifier checks an account password or PIN out-of-band.
type SecretVerifier interface {
	VerifySecret(ctx context.Context, accountID uuid.UUID, secret string) (bool, error)
}

// BiometricVerifier checks a device-local biometric assertion. It returns
// domain.ErrBiometricUnavailable when the capability is absent.
type BiometricVerifier interface {
	VerifyBiometric(ctx context.Context, accountID uuid.UUID, challenge BiometricChallenge) (bool, error)
}

// BiometricChallenge is the opaque assertion produced by the device.
type BiometricChallenge struct {
	Nonce     string
	Assertion []byte
}

// Request is a single challenge attempt.
type Request struct {
	OperationID uuid.UUID
	AccountID   uuid.UUID
	Kind        ChallengeKind
	Secret      string
	Biometric   BiometricChallenge
	// Fingerprint identifies the exact quote being confirmed.
	Fingerprint string
}

// Result reports the outcome of a challenge. On failure MayRetry says
// whether another attempt of the same kind is allowed.
type Result struct {
	Confirmed     bool
	MayRetry      bool
	AttemptsLeft  int
	Authorization *Authorization
}

// Authorization unblocks exactly one commit of the operation it was issued
// for, as long as the quote fingerprint has not changed.
type Authorization struct {
	ID          uuid.UUID
	OperationID uuid.UUID
	AccountID   uuid.UUID
	Kind        ChallengeKind
	Fingerprint string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Attempt is the ConfirmationAttempt of one (operation, kind) pair.
type Attempt struct {
	Count       int
	LockedUntil time.Time
}

// Options tune the gate.
type Options struct {
	MaxAttempts      int
	AttemptWindow    time.Duration
	AuthorizationTTL time.Duration
	Now              func() time.Time
}

// DefaultOptions are used for any zero field.
var DefaultOptions = Options{
	MaxAttempts:      3,
	AttemptWindow:    15 * time.Minute,
	AuthorizationTTL: 2 * time.Minute,
	Now:              time.Now,
}

type operation struct {
	inFlight bool
	attempts map[ChallengeKind]*Attempt
	auth     *Authorization
	touched  time.Time
}

// Gate is safe for concurrent use.
type Gate struct {
	secrets    SecretVerifier
	biometrics BiometricVerifier
	opts       Options
	log        zerolog.Logger

	mu  sync.Mutex
	ops map[uuid.UUID]*operation
}

// NewGate builds a gate. biometrics may be nil, in which case every
// biometric challenge reports the capability as unavailable.
func NewGate(secrets SecretVerifier, biometrics BiometricVerifier, opts Options, log zerolog.Logger) *Gate {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.AttemptWindow <= 0 {
		opts.AttemptWindow = DefaultOptions.AttemptWindow
	}
	if opts.AuthorizationTTL <= 0 {
		opts.AuthorizationTTL = DefaultOptions.AuthorizationTTL
	}
	if opts.Now == nil {
		opts.Now = DefaultOptions.Now
	}
	return &Gate{
		secrets:    secrets,
		biometrics: biometrics,
		opts:       opts,
		log:        log.With().Str("component", "confirm").Logger(),
		ops:        make(map[uuid.UUID]*operation),
	}
}

// Challenge runs one identity assertion for an operation.
//
// A failure of one kind never touches the counter of the other kind, so a
// user who cancels or fails biometrics can still fall back to the secret.
// Once a kind has failed MaxAttempts times, further attempts of that kind
// return domain.ErrAuthExhausted without reaching the verifier until
// AttemptWindow has passed. A second
// challenge while one is in flight for the same operation returns
// domain.ErrConflict.
func (g *Gate) Challenge(ctx context.Context, req Request) (Result, error) {
	if req.OperationID == uuid.Nil || req.AccountID == uuid.Nil {
		return Result{}, fmt.Errorf("%w: operation and account are required", domain.ErrValidation)
	}
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return Result{}, err
	}

	op, err := g.begin(req)
	if err != nil {
		return Result{}, err
	}

	ok, verr := g.verify(ctx, req)

	g.mu.Lock()
	defer g.mu.Unlock()
	op.inFlight = false
	now := g.opts.Now()
	op.touched = now

	if verr != nil {
		if errors.Is(verr, domain.ErrBiometricUnavailable) {
			confirmationsTotal.WithLabelValues(string(req.Kind), "unavailable").Inc()
			return Result{MayRetry: false, AttemptsLeft: g.left(op, req.Kind)}, verr
		}
		confirmationsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		return Result{MayRetry: true, AttemptsLeft: g.left(op, req.Kind)}, fmt.Errorf("verify %s: %w", req.Kind, verr)
	}

	if ok {
		op.attempts = make(map[ChallengeKind]*Attempt)
		op.auth = &Authorization{
			ID:          uuid.New(),
			OperationID: req.OperationID,
			AccountID:   req.AccountID,
			Kind:        req.Kind,
			Fingerprint: req.Fingerprint,
			IssuedAt:    now,
			ExpiresAt:   now.Add(g.opts.AuthorizationTTL),
		}
		confirmationsTotal.WithLabelValues(string(req.Kind), "confirmed").Inc()
		return Result{Confirmed: true, Authorization: op.auth}, nil
	}

	att := op.attempts[req.Kind]
	if att == nil {
		att = &Attempt{}
		op.attempts[req.Kind] = att
	}
	att.Count++
	if att.Count >= g.opts.MaxAttempts {
		att.LockedUntil = now.Add(g.opts.AttemptWindow)
		confirmationsTotal.WithLabelValues(string(req.Kind), "exhausted").Inc()
		g.log.Warn().Str("operation_id", req.OperationID.String()).Str("kind", string(req.Kind)).Msg("confirmation attempts exhausted")
		return Result{}, domain.ErrAuthExhausted
	}
	confirmationsTotal.WithLabelValues(string(req.Kind), "failed").Inc()
	return Result{MayRetry: true, AttemptsLeft: g.opts.MaxAttempts - att.Count}, domain.ErrChallengeFailed
}

func (g *Gate) begin(req Request) (*operation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.opts.Now()
	g.sweep(now)

	op := g.ops[req.OperationID]
	if op == nil {
		op = &operation{attempts: make(map[ChallengeKind]*Attempt), touched: now}
		g.ops[req.OperationID] = op
	}
	if op.inFlight {
		confirmationsTotal.WithLabelValues(string(req.Kind), "conflict").Inc()
		return nil, fmt.Errorf("%w: confirmation already in flight", domain.ErrConflict)
	}
	if att := op.attempts[req.Kind]; att != nil && att.Count >= g.opts.MaxAttempts {
		if now.Before(att.LockedUntil) {
			confirmationsTotal.WithLabelValues(string(req.Kind), "exhausted").Inc()
			return nil, domain.ErrAuthExhausted
		}
		// Lock lapsed; the kind starts over.
		delete(op.attempts, req.Kind)
	}
	op.inFlight = true
	op.touched = now
	return op, nil
}

func (g *Gate) verify(ctx context.Context, req Request) (bool, error) {
	switch req.Kind {
	case KindSecret:
		if req.Secret == "" {
			return false, nil
		}
		return g.secrets.VerifySecret(ctx, req.AccountID, req.Secret)
	case KindBiometric:
		if g.biometrics == nil {
			return false, domain.ErrBiometricUnavailable
		}
		return g.biometrics.VerifyBiometric(ctx, req.AccountID, req.Biometric)
	}
	return false, fmt.Errorf("%w: unknown challenge kind %q", domain.ErrValidation, req.Kind)
}

// Redeem consumes the authorization issued for an operation. The
// authorization is spent whether or not redemption succeeds: a stale or
// expired authorization always requires a fresh challenge.
func (g *Gate) Redeem(operationID uuid.UUID, fingerprint string) (*Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	op := g.ops[operationID]
	if op == nil || op.auth == nil {
		return nil, domain.ErrConfirmationRequired
	}
	auth := op.auth
	op.auth = nil

	if !g.opts.Now().Before(auth.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization expired", domain.ErrConfirmationRequired)
	}
	if auth.Fingerprint != fingerprint {
		return nil, domain.ErrStaleQuote
	}
	return auth, nil
}

// Invalidate drops any outstanding authorization for an operation. Attempt
// counters are kept.
func (g *Gate) Invalidate(operationID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if op := g.ops[operationID]; op != nil {
		op.auth = nil
	}
}

// Forget removes all state for a finished operation.
func (g *Gate) Forget(operationID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ops, operationID)
}

// Attempts returns a copy of the attempt counter for (operation, kind).
func (g *Gate) Attempts(operationID uuid.UUID, kind ChallengeKind) Attempt {
	g.mu.Lock()
	defer g.mu.Unlock()
	if op := g.ops[operationID]; op != nil {
		if att := op.attempts[kind]; att != nil {
			return *att
		}
	}
	return Attempt{}
}

func (g *Gate) left(op *operation, kind ChallengeKind) int {
	if att := op.attempts[kind]; att != nil {
		return g.opts.MaxAttempts - att.Count
	}
	return g.opts.MaxAttempts
}

// sweep drops idle operations older than the attempt window. Callers hold mu.
func (g *Gate) sweep(now time.Time) {
	for id, op := range g.ops {
		if op.inFlight {
			continue
		}
		if now.Sub(op.touched) > g.opts.AttemptWindow {
			delete(g.ops, id)
		}
	}
}
