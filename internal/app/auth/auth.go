// Package auth verifies bearer tokens and resolves the tenant a caller may act for.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coachpo/activitybus/internal/domain/activity"
	"github.com/coachpo/activitybus/internal/domain/errs"
)

// MinTokenLength rejects obviously truncated tokens before any parsing.
const MinTokenLength = 10

// DefaultCrossTenantRole may act on behalf of any tenant.
const DefaultCrossTenantRole = "super_admin"

var (
	ErrNotConfigured          = errors.New("authentication not configured")
	ErrInvalidToken           = errors.New("invalid token")
	ErrInvalidIssuer          = errors.New("invalid token issuer")
	ErrInsufficientPrivileges = errors.New("admin privileges required")
	ErrTenantForbidden        = errors.New("tenant not accessible")
	ErrInvalidTenant          = errors.New("token tenant is not a valid tenant id")
)

var adminRoles = map[string]struct{}{
	"admin":         {},
	"administrator": {},
	"super_admin":   {},
}

var roleKeys = []string{"role", "admin", "is_admin", "user_role", "user_type"}

// Identity is the verified caller.
type Identity struct {
	Subject  string
	TenantID string
	Role     string
	// CrossTenant is set for roles allowed to address any tenant.
	CrossTenant bool
}

// ResolveTenant picks the tenant a request acts on. A requested tenant other than the
// identity's own is only honoured for cross-tenant identities.
func (id Identity) ResolveTenant(requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == id.TenantID {
		return id.TenantID, nil
	}
	if !id.CrossTenant {
		return "", errs.New("auth", errs.CodeForbidden,
			errs.WithMessage(fmt.Sprintf("tenant %q not accessible", requested)),
			errs.WithCause(ErrTenantForbidden))
	}
	if !activity.ValidTenantID(requested) {
		return "", errs.New("auth", errs.CodeInvalid,
			errs.WithField("tenant_id", "invalid tenant id"))
	}
	return requested, nil
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Config configures HMAC-signed JWT verification.
type Config struct {
	Secret          string        `yaml:"jwtSecret"`
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	CrossTenantRole string        `yaml:"crossTenantRole"`
	Leeway          time.Duration `yaml:"leeway"`
}

// Enabled reports whether a signing secret is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Secret) != ""
}

// JWTVerifier validates HS256/HS384/HS512 tokens.
type JWTVerifier struct {
	cfg    Config
	parser *jwt.Parser
	now    func() time.Time
}

// NewJWTVerifier builds a verifier. An empty secret yields a verifier that rejects every
// token with ErrNotConfigured.
func NewJWTVerifier(cfg Config) *JWTVerifier {
	if cfg.CrossTenantRole == "" {
		cfg.CrossTenantRole = DefaultCrossTenantRole
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	v := &JWTVerifier{cfg: cfg, now: time.Now}
	opts = append(opts, jwt.WithTimeFunc(func() time.Time { return v.now() }))
	v.parser = jwt.NewParser(opts...)
	return v
}

// Verify checks signature, expiry, audience, issuer and admin role in that order.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if !v.cfg.Enabled() {
		return Identity{}, errs.New("auth", errs.CodeUnavailable, errs.WithCause(ErrNotConfigured))
	}
	token = strings.TrimSpace(token)
	if len(token) < MinTokenLength {
		return Identity{}, errs.New("auth", errs.CodeAuth,
			errs.WithMessage("missing or malformed token"), errs.WithCause(ErrInvalidToken))
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.Secret), nil
	}); err != nil {
		return Identity{}, errs.New("auth", errs.CodeAuth,
			errs.WithMessage(err.Error()), errs.WithCause(ErrInvalidToken))
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return Identity{}, errs.New("auth", errs.CodeAuth,
			errs.WithMessage("token subject required"), errs.WithCause(ErrInvalidToken))
	}
	if v.cfg.Issuer != "" {
		issuer, _ := claims.GetIssuer()
		if issuer != v.cfg.Issuer {
			return Identity{}, errs.New("auth", errs.CodeAuth, errs.WithCause(ErrInvalidIssuer))
		}
	}

	role, ok := adminRole(claims)
	if !ok {
		return Identity{}, errs.New("auth", errs.CodeForbidden, errs.WithCause(ErrInsufficientPrivileges))
	}
	tenant := tenantFromClaims(claims, subject)
	if !activity.ValidTenantID(tenant) {
		return Identity{}, errs.New("auth", errs.CodeAuth,
			errs.WithMessage(fmt.Sprintf("tenant %q is not a valid tenant id", tenant)),
			errs.WithCause(ErrInvalidTenant))
	}
	return Identity{
		Subject:     subject,
		TenantID:    tenant,
		Role:        role,
		CrossTenant: role == v.cfg.CrossTenantRole,
	}, nil
}

// Issue signs a token for subject. It backs local tooling and tests.
func (v *JWTVerifier) Issue(subject, tenantID, role string, ttl time.Duration) (string, error) {
	if !v.cfg.Enabled() {
		return "", ErrNotConfigured
	}
	now := v.now()
	claims := jwt.MapClaims{
		"sub":       subject,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"tenant_id": tenantID,
		"role":      role,
	}
	if v.cfg.Issuer != "" {
		claims["iss"] = v.cfg.Issuer
	}
	if v.cfg.Audience != "" {
		claims["aud"] = v.cfg.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.cfg.Secret))
}

// adminRole finds an admin role at the top level or inside app/user metadata.
func adminRole(claims jwt.MapClaims) (string, bool) {
	containers := []map[string]any{claims}
	for _, key := range []string{"app_metadata", "user_metadata"} {
		if m, ok := claims[key].(map[string]any); ok {
			containers = append(containers, m)
		}
	}
	for _, c := range containers {
		for _, key := range roleKeys {
			if value, ok := c[key].(string); ok {
				if _, admin := adminRoles[value]; admin {
					return value, true
				}
			}
		}
	}
	for key, value := range claims {
		if strings.HasPrefix(key, "admin_") && truthy(value) {
			return "admin", true
		}
	}
	return "", false
}

// tenantFromClaims falls back to the subject when no tenant claim is present. The
// result still has to pass activity.ValidTenantID.
func tenantFromClaims(claims jwt.MapClaims, subject string) string {
	for _, key := range []string{"tenant_id", "tenant"} {
		if value, ok := claims[key].(string); ok && value != "" {
			return value
		}
	}
	for _, container := range []string{"app_metadata", "user_metadata"} {
		m, ok := claims[container].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"tenant_id", "tenant", "org_id"} {
			if value, ok := m[key].(string); ok && value != "" {
				return value
			}
		}
	}
	return subject
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}

type contextKey struct{}

// WithIdentity stores the verified identity on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

var _ Verifier = (*JWTVerifier)(nil)
