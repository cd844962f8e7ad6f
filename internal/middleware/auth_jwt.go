package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// TokenClaims is the HS256 payload issued to studio clients. Sub is the owner id.
type TokenClaims struct {
	Sub       string `json:"sub"`
	Locale    string `json:"locale,omitempty"`
	Exp       int64  `json:"exp"`
	NotBefore int64  `json:"nbf,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	Audience  string `json:"aud,omitempty"`
}

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrUnsupportedAlg   = errors.New("unsupported signing algorithm")
	ErrBadSignature     = errors.New("invalid signature")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
)

// clockSkew is tolerated on exp and nbf.
const clockSkew = 30 * time.Second

var jwtNow = time.Now

type userKey string

const (
	userIDKey      userKey = "user_id"
	tokenLocaleKey userKey = "token_locale"
)

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}

var hs256Header = mustSegment(jwtHeader{Alg: "HS256", Typ: "JWT"})

func mustSegment(v any) string {
	seg, err := segment(v)
	if err != nil {
		panic(err)
	}
	return seg
}

func segment(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func signature(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// SignJWT issues an HS256 token for claims.
func SignJWT(secret string, claims TokenClaims) (string, error) {
	payload, err := segment(claims)
	if err != nil {
		return "", err
	}
	input := hs256Header + "." + payload
	return input + "." + base64.RawURLEncoding.EncodeToString(signature(secret, input)), nil
}

// VerifyJWT checks the signature and time window of an HS256 token. Tokens
// declaring any other algorithm are refused before the signature is checked.
func VerifyJWT(secret, token string) (*TokenClaims, error) {
	head, rest, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrMalformedToken
	}
	payload, sig, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(sig, ".") {
		return nil, ErrMalformedToken
	}

	var header jwtHeader
	if err := decodeSegment(head, &header); err != nil {
		return nil, err
	}
	if header.Alg != "HS256" {
		return nil, ErrUnsupportedAlg
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, ErrMalformedToken
	}
	if !hmac.Equal(got, signature(secret, head+"."+payload)) {
		return nil, ErrBadSignature
	}

	var claims TokenClaims
	if err := decodeSegment(payload, &claims); err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Sub) == "" {
		return nil, ErrMalformedToken
	}
	now := jwtNow()
	if claims.Exp != 0 && now.After(time.Unix(claims.Exp, 0).Add(clockSkew)) {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != 0 && now.Add(clockSkew).Before(time.Unix(claims.NotBefore, 0)) {
		return nil, ErrTokenNotYetValid
	}
	return &claims, nil
}

func decodeSegment(seg string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return ErrMalformedToken
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrMalformedToken
	}
	return nil
}

// AuthJWT requires a bearer token and stores its subject as the request's owner id.
// Browsers cannot set headers on EventSource or WebSocket requests, so the
// token may also arrive in the access_token query parameter.
func AuthJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing authorization")
				return
			}
			claims, err := VerifyJWT(secret, token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, claims.Sub)
			if claims.Locale != "" {
				ctx = context.WithValue(ctx, tokenLocaleKey, claims.Locale)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if q := strings.TrimSpace(r.URL.Query().Get("access_token")); q != "" {
		return q, true
	}
	return "", false
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if strings.TrimSpace(userID) == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, userID)
}

func tokenLocale(ctx context.Context) string {
	v, _ := ctx.Value(tokenLocaleKey).(string)
	return v
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": errCode, "message": message})
}
