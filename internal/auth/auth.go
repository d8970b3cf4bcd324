// Package auth validates the bearer credentials carried by request-surface and
// push-bus connections. The identity vertical issues the credentials; this
// package only verifies them and exposes the authenticated subject.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/canopyhq/canopy/internal/errors"
)

// Roles a credential subject may carry.
const (
	RoleUser      = "user"
	RoleVolunteer = "volunteer"
	RoleAdmin     = "admin"
)

// Subject kinds, naming the entity collection the subject id refers to.
const (
	TypeUser      = "user"
	TypeVolunteer = "volunteer"
)

// Subject is the authenticated identity extracted from a bearer credential.
type Subject struct {
	ID   string
	Role string
	Type string
}

// IsAdmin reports whether the subject holds the admin role.
func (s Subject) IsAdmin() bool { return s.Role == RoleAdmin }

// IsVolunteer reports whether the subject is a volunteer entity.
func (s Subject) IsVolunteer() bool { return s.Type == TypeVolunteer }

type claims struct {
	Role string `json:"role"`
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Verifier validates and mints HMAC-signed bearer tokens.
type Verifier struct {
	secret []byte
	expiry time.Duration
}

// NewVerifier builds a Verifier with the shared signing key.
func NewVerifier(secret string, expiry time.Duration) *Verifier {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Verifier{secret: []byte(secret), expiry: expiry}
}

// Verify parses a bearer token and returns its subject.
func (v *Verifier) Verify(token string) (Subject, error) {
	const op = "auth.verify"

	token = strings.TrimSpace(token)
	if token == "" {
		return Subject{}, errors.New(errors.KindAuth, op, "missing credential")
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New(errors.KindAuth, op, "unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Subject{}, errors.Wrapf(errors.KindAuth, op, err, "invalid credential")
	}
	if c.Subject == "" {
		return Subject{}, errors.New(errors.KindAuth, op, "credential has no subject")
	}

	switch c.Role {
	case RoleUser, RoleVolunteer, RoleAdmin:
	default:
		return Subject{}, errors.New(errors.KindAuth, op, "credential has unknown role")
	}

	return Subject{ID: c.Subject, Role: c.Role, Type: c.Type}, nil
}

// Mint issues a signed token for the subject. Used by tests and the bootstrap
// admin credential; production credentials come from the identity service,
// which shares the signing key.
func (v *Verifier) Mint(subject Subject, now time.Time) (string, error) {
	c := claims{
		Role: subject.Role,
		Type: subject.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, "auth.mint", err)
	}
	return signed, nil
}

type contextKey string

const subjectKey contextKey = "auth_subject"

// WithSubject stores the authenticated subject on the context.
func WithSubject(ctx context.Context, subject Subject) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// SubjectFrom extracts the authenticated subject from the context.
func SubjectFrom(ctx context.Context) (Subject, bool) {
	subject, ok := ctx.Value(subjectKey).(Subject)
	return subject, ok
}
