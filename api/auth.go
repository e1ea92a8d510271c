package api

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"oikion-live/domain"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envAuth0TestMode    = "AUTH0_TEST_MODE"
	envTestJWTSecret    = "TEST_JWT_SECRET"
	envLocalAuthMode    = "LOCAL_AUTH_MODE"
	envLocalAuthSecret  = "LOCAL_AUTH_SHARED_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"

	// OrganizationClaim carries the organization a session acts for.
	OrganizationClaim = "org_id"
)

// Session identifies the caller and the organization it is scoped to.
type Session struct {
	UserID         string
	OrganizationID string
}

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth. LOCAL_AUTH_MODE=hs256 or AUTH0_TEST_MODE=1
// switch to shared-secret tokens for local runs.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) (*Auth, error) {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer}
	ttl, err := parseCacheTTL(os.Getenv(envJWKSCacheTTL))
	if err != nil {
		return nil, err
	}
	a.keyCacheTTL = ttl

	if mode := strings.ToLower(os.Getenv(envLocalAuthMode)); mode != "" {
		if mode != "hs256" {
			return nil, errors.New("unsupported LOCAL_AUTH_MODE value")
		}
		secret := os.Getenv(envLocalAuthSecret)
		if secret == "" {
			return nil, errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
		a.TestMode = true
		a.TestSecret = []byte(secret)
	} else if os.Getenv(envAuth0TestMode) == "1" {
		secret := os.Getenv(envTestJWTSecret)
		if secret == "" {
			return nil, errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		a.TestMode = true
		a.TestSecret = []byte(secret)
	}

	if a.TestMode {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		if jwks == nil {
			return nil, errors.New("jwks not configured")
		}
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a, nil
}

// NewSharedSecretAuth accepts HS256 tokens signed with secret.
func NewSharedSecretAuth(secret []byte, audience, issuer string) *Auth {
	return &Auth{
		Audience:   audience,
		Issuer:     issuer,
		TestMode:   true,
		TestSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

func parseCacheTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultJWKSCacheTTL, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid JWKS_CACHE_TTL")
	}
	return parsed, nil
}

// SessionFromAuthHeader resolves the session of an Authorization header.
func (a *Auth) SessionFromAuthHeader(h string) (Session, error) {
	token, err := bearerToken(h)
	if err != nil {
		return Session{}, err
	}
	return a.SessionFromToken(token)
}

// SessionFromToken validates a raw JWT. A token without an organization
// claim yields domain.ErrNotFoundOrganization.
func (a *Auth) SessionFromToken(tokenStr string) (Session, error) {
	if tokenStr == "" {
		return Session{}, errBadAuthorization
	}

	var (
		parsed *jwt.Token
		err    error
	)
	if a.TestMode {
		parsed, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsed, err = a.parser.Parse(tokenStr, a.keyForToken)
	}
	if err != nil {
		return Session{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Session{}, errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return Session{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return Session{}, errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return Session{}, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return Session{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Session{}, errors.New("missing sub")
	}
	org, _ := claims[OrganizationClaim].(string)
	if strings.TrimSpace(org) == "" {
		return Session{}, domain.ErrNotFoundOrganization
	}
	return Session{UserID: sub, OrganizationID: org}, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
