package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/activitybus/internal/domain/errs"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "user-1",
		"iss":       "https://issuer.test",
		"exp":       time.Now().Add(time.Hour).Unix(),
		"tenant_id": "acme",
		"role":      "admin",
	}
}

func newVerifier() *JWTVerifier {
	return NewJWTVerifier(Config{Secret: testSecret, Issuer: "https://issuer.test"})
}

func TestVerifyAcceptsAdminToken(t *testing.T) {
	id, err := newVerifier().Verify(context.Background(), sign(t, testSecret, baseClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.Subject)
	assert.Equal(t, "acme", id.TenantID)
	assert.Equal(t, "admin", id.Role)
	assert.False(t, id.CrossTenant)
}

func TestVerifyFailures(t *testing.T) {
	expired := baseClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	wrongIssuer := baseClaims()
	wrongIssuer["iss"] = "https://elsewhere.test"
	viewer := baseClaims()
	viewer["role"] = "viewer"
	noSubject := baseClaims()
	delete(noSubject, "sub")
	noExpiry := baseClaims()
	delete(noExpiry, "exp")
	emailSubject := baseClaims()
	emailSubject["sub"] = "user@x.com"
	delete(emailSubject, "tenant_id")
	badTenant := baseClaims()
	badTenant["tenant_id"] = "acme corp!"

	cases := []struct {
		name  string
		token string
		want  error
		code  errs.Code
	}{
		{"short", "abc", ErrInvalidToken, errs.CodeAuth},
		{"garbage", "not-a-jwt-at-all", ErrInvalidToken, errs.CodeAuth},
		{"wrong secret", sign(t, "another-secret-entirely", baseClaims()), ErrInvalidToken, errs.CodeAuth},
		{"expired", sign(t, testSecret, expired), ErrInvalidToken, errs.CodeAuth},
		{"no expiry", sign(t, testSecret, noExpiry), ErrInvalidToken, errs.CodeAuth},
		{"no subject", sign(t, testSecret, noSubject), ErrInvalidToken, errs.CodeAuth},
		{"wrong issuer", sign(t, testSecret, wrongIssuer), ErrInvalidIssuer, errs.CodeAuth},
		{"not admin", sign(t, testSecret, viewer), ErrInsufficientPrivileges, errs.CodeForbidden},
		{"subject is not a tenant", sign(t, testSecret, emailSubject), ErrInvalidTenant, errs.CodeAuth},
		{"malformed tenant claim", sign(t, testSecret, badTenant), ErrInvalidTenant, errs.CodeAuth},
	}
	v := newVerifier()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tc.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.True(t, errs.IsCode(err, tc.code))
		})
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = newVerifier().Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyNotConfigured(t *testing.T) {
	v := NewJWTVerifier(Config{})
	_, err := v.Verify(context.Background(), sign(t, testSecret, baseClaims()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestVerifyMetadataRoleAndTenant(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": "user-2",
		"iss": "https://issuer.test",
		"exp": time.Now().Add(time.Hour).Unix(),
		"app_metadata": map[string]any{
			"user_role": "administrator",
			"org_id":    "globex",
		},
	}
	id, err := newVerifier().Verify(context.Background(), sign(t, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, "administrator", id.Role)
	assert.Equal(t, "globex", id.TenantID)
}

func TestVerifyAdminPrefixedClaimAndSubjectTenant(t *testing.T) {
	claims := jwt.MapClaims{
		"sub":         "solo",
		"iss":         "https://issuer.test",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"admin_panel": true,
	}
	id, err := newVerifier().Verify(context.Background(), sign(t, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, "admin", id.Role)
	assert.Equal(t, "solo", id.TenantID)
}

func TestVerifyAudience(t *testing.T) {
	v := NewJWTVerifier(Config{Secret: testSecret, Audience: "authenticated"})
	claims := baseClaims()
	_, err := v.Verify(context.Background(), sign(t, testSecret, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims["aud"] = "authenticated"
	_, err = v.Verify(context.Background(), sign(t, testSecret, claims))
	assert.NoError(t, err)
}

func TestIssueRoundTrip(t *testing.T) {
	v := newVerifier()
	token, err := v.Issue("ops", "acme", "super_admin", time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "acme", id.TenantID)
	assert.True(t, id.CrossTenant)

	_, err = NewJWTVerifier(Config{}).Issue("ops", "acme", "admin", time.Minute)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestResolveTenant(t *testing.T) {
	admin := Identity{Subject: "u", TenantID: "acme", Role: "admin"}
	got, err := admin.ResolveTenant("")
	require.NoError(t, err)
	assert.Equal(t, "acme", got)

	got, err = admin.ResolveTenant("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", got)

	_, err = admin.ResolveTenant("globex")
	assert.True(t, errs.IsCode(err, errs.CodeForbidden))
	assert.ErrorIs(t, err, ErrTenantForbidden)

	super := Identity{Subject: "u", TenantID: "acme", Role: "super_admin", CrossTenant: true}
	got, err = super.ResolveTenant("globex")
	require.NoError(t, err)
	assert.Equal(t, "globex", got)

	_, err = super.ResolveTenant("Not Valid")
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{Subject: "u", TenantID: "acme"})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "acme", id.TenantID)
}
