package gateway

import (
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/srk"
	"github.com/serverlessresearch/srkstore/pkg/tenant"
	"github.com/serverlessresearch/srkstore/pkg/webresponse"
)

// Token verification modes.
const (
	// Tokens are HMAC signed with a shared secret.
	AuthModeHMAC = "hmac"
	// Tokens are RSA signed; the public key is configured.
	AuthModeRSA = "rsa"
	// Tokens were already verified by the OIDC proxy in front of the gateway.
	// Only the claims are read.
	AuthModeUpstream = "upstream"
)

type AuthConfig struct {
	Mode         string
	Secret       []byte
	PublicKeyPEM []byte
	// Claim holding the tenant id. Defaults to "tenant_id".
	TenantClaim string
	// Claim holding the role list. Dots walk into nested objects, e.g.
	// "realm_access.roles". Defaults to "groups".
	RolesClaim string
}

// Authenticator builds a tenant.Identity from the request's bearer token.
type Authenticator struct {
	keyFunc     jwt.Keyfunc
	methods     []string
	verify      bool
	tenantClaim string
	rolesClaim  string
	log         srk.Logger
	now         func() time.Time
}

func NewAuthenticator(logger srk.Logger, cfg AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		tenantClaim: cfg.TenantClaim,
		rolesClaim:  cfg.RolesClaim,
		log:         logger,
		now:         time.Now,
	}
	if a.tenantClaim == "" {
		a.tenantClaim = srk.MetadataTenantID
	}
	if a.rolesClaim == "" {
		a.rolesClaim = "groups"
	}

	switch cfg.Mode {
	case AuthModeHMAC:
		if len(cfg.Secret) == 0 {
			return nil, errors.New("auth mode 'hmac' requires a secret")
		}
		secret := cfg.Secret
		a.verify = true
		a.methods = []string{"HS256", "HS384", "HS512"}
		a.keyFunc = func(*jwt.Token) (interface{}, error) { return secret, nil }
	case AuthModeRSA:
		key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to parse RSA public key")
		}
		a.verify = true
		a.methods = []string{"RS256", "RS384", "RS512"}
		a.keyFunc = func(*jwt.Token) (interface{}, error) { return key, nil }
	case AuthModeUpstream:
		a.verify = false
	default:
		return nil, errors.Errorf("unrecognized auth mode %q", cfg.Mode)
	}
	return a, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

// Identify returns the caller's identity or an error wrapping
// srk.ErrUnauthorized.
func (a *Authenticator) Identify(r *http.Request) (tenant.Identity, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return tenant.Identity{}, srk.ErrUnauthorized
	}

	claims := jwt.MapClaims{}
	if a.verify {
		if _, err := jwt.ParseWithClaims(raw, claims, a.keyFunc, jwt.WithValidMethods(a.methods)); err != nil {
			return tenant.Identity{}, errors.Wrap(srk.ErrUnauthorized, err.Error())
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return tenant.Identity{}, errors.Wrap(srk.ErrUnauthorized, err.Error())
		}
	}

	tenantID, _ := claims[a.tenantClaim].(string)
	if tenantID == "" {
		return tenant.Identity{}, errors.Wrapf(srk.ErrUnauthorized, "token has no %s claim", a.tenantClaim)
	}
	subject, _ := claims["sub"].(string)
	if upn, ok := claims["upn"].(string); ok && upn != "" {
		subject = upn
	}

	if !a.verify && !claims.VerifyExpiresAt(a.now().Unix(), false) {
		a.log.Warnf("Token expired for user: %s/%s", tenantID, subject)
	}

	return tenant.Identity{
		TenantID: tenantID,
		Subject:  subject,
		Roles:    lookupRoles(claims, a.rolesClaim),
	}, nil
}

func lookupRoles(claims jwt.MapClaims, path string) []string {
	var cur interface{} = map[string]interface{}(claims)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[key]
	}

	switch v := cur.(type) {
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case []string:
		return v
	case string:
		return strings.Fields(v)
	}
	return nil
}

// Middleware rejects requests without a usable identity with 401 and stores
// the identity in the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Identify(r)
		if err != nil {
			a.log.WithField("path", r.URL.Path).Infof("Rejecting unauthenticated request: %v", err)
			webresponse.Message(w, r, http.StatusUnauthorized, srk.ErrUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.NewContext(r.Context(), id)))
	})
}

// RequireRole lets a request through only if the identity holds one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := tenant.FromContext(r.Context())
			if !ok {
				webresponse.Error(w, r, srk.ErrUnauthorized)
				return
			}
			if !id.HasAnyRole(roles...) {
				webresponse.Error(w, r, srk.ErrForbiddenRole)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
