package rpc

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin grants access to supply-changing ledger methods.
const ScopeAdmin = "admin"

// Authenticator validates HMAC-signed bearer tokens. A zero-value secret
// disables authentication entirely.
type Authenticator struct {
	secret    []byte
	clockSkew time.Duration
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret:    []byte(strings.TrimSpace(secret)),
		clockSkew: 2 * time.Minute,
	}
}

// Enabled reports whether tokens are checked.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// requireActor ensures the caller's token subject is the account acting on
// the contract or ledger.
func (a *Authenticator) requireActor(r *http.Request, actor string) *RPCError {
	if !a.Enabled() {
		return nil
	}
	claims, rpcErr := a.claims(r)
	if rpcErr != nil {
		return rpcErr
	}
	subject, _ := claims.GetSubject()
	if subject == "" || subject != strings.TrimSpace(actor) {
		return &RPCError{Code: codeForbidden, Message: "token subject does not match actor", Data: actor}
	}
	return nil
}

// requireScope ensures the caller's token carries scope.
func (a *Authenticator) requireScope(r *http.Request, scope string) *RPCError {
	if !a.Enabled() {
		return nil
	}
	claims, rpcErr := a.claims(r)
	if rpcErr != nil {
		return rpcErr
	}
	if !hasScope(extractScopes(claims), scope) {
		return &RPCError{Code: codeForbidden, Message: "insufficient scope", Data: scope}
	}
	return nil
}

func (a *Authenticator) claims(r *http.Request) (jwt.MapClaims, *RPCError) {
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return nil, &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return nil, &RPCError{Code: codeUnauthorized, Message: "invalid token", Data: err.Error()}
	}
	return claims, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.clockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

// IssueToken signs an HS256 token for subject with the given scopes. It is
// used by escrowctl and tests.
func IssueToken(secret, subject string, ttl time.Duration, scopes ...string) (string, error) {
	claims := jwt.MapClaims{"sub": subject}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func extractScopes(claims jwt.MapClaims) []string {
	raw, ok := claims["scope"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScope(scopes []string, required string) bool {
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeAuthError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	status := http.StatusUnauthorized
	if rpcErr.Code == codeForbidden {
		status = http.StatusForbidden
	}
	writeRPCError(w, status, id, rpcErr)
}
