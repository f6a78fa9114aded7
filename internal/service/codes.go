package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

// claimAlphabet has 32 symbols, none of which can be misread for another
// (no I, O, 0 or 1). 256 is a multiple of 32, so masking a random byte is
// unbiased.
const claimAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewClaimCode draws a claim code of length n from crypto/rand.
func NewClaimCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate claim code: %w", err)
	}
	for i, b := range buf {
		buf[i] = claimAlphabet[int(b)&(len(claimAlphabet)-1)]
	}
	return string(buf), nil
}

// NormalizeClaimCode upper-cases and strips separators a user may type.
func NormalizeClaimCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// newVerificationCode returns a zero-padded 6-digit code.
func newVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// fingerprint hashes the inputs a confirmation is bound to.
func fingerprint(id uuid.UUID, revision int, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(id.String()))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(revision)))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

const identityTokenPrefix = "moneycore:id:"

// IdentityToken is the decoded payload of a client's identity QR code.
type IdentityToken struct {
	AccountID uuid.UUID
	Phone     string
}

func (t IdentityToken) String() string {
	return identityTokenPrefix + t.AccountID.String() + ":" + t.Phone
}

// ParseIdentityToken decodes "moneycore:id:<account-uuid>:<phone>".
func ParseIdentityToken(raw string) (IdentityToken, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), identityTokenPrefix)
	if !ok {
		return IdentityToken{}, fmt.Errorf("%w: not an identity token", domain.ErrValidation)
	}
	idPart, phone, ok := strings.Cut(rest, ":")
	if !ok || phone == "" {
		return IdentityToken{}, fmt.Errorf("%w: identity token has no phone", domain.ErrValidation)
	}
	id, err := uuid.Parse(idPart)
	if err != nil || id == uuid.Nil {
		return IdentityToken{}, fmt.Errorf("%w: identity token has no valid account", domain.ErrValidation)
	}
	return IdentityToken{AccountID: id, Phone: phone}, nil
}
