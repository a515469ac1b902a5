// Package auth выпускает и проверяет bearer-токены сервис-сервис (JWT HS256).
//
// Signer подписывает токены для вызовов step-сервисов и оркестратора,
// Verifier проверяет токены входящих push-доставок.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Ошибки проверки токена.
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Default configuration values.
const (
	defaultIssuer   = "scribe"
	defaultTokenTTL = 10 * time.Minute

	// refreshBefore — токен из кэша перевыпускается, если до истечения осталось меньше.
	refreshBefore = time.Minute
)

// TokenSource выдаёт bearer-токен для аудитории (URL получателя).
type TokenSource interface {
	Token(audience string) (string, error)
}

// Signer выпускает HS256-токены и кэширует их по аудитории.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

// NewSigner создаёт Signer. Пустой issuer — "scribe", ttl <= 0 — 10 минут.
func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	if issuer == "" {
		issuer = defaultIssuer
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Signer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cachedToken),
	}
}

// Token возвращает токен для аудитории, при необходимости выпуская новый.
func (s *Signer) Token(audience string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c, ok := s.cache[audience]; ok && now.Add(refreshBefore).Before(c.expires) {
		return c.token, nil
	}

	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	s.cache[audience] = cachedToken{token: token, expires: expires}
	return token, nil
}

// Verifier проверяет HS256-токены с ожидаемой аудиторией.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier создаёт Verifier. Пустой audience отключает проверку аудитории.
func NewVerifier(secret, audience string) *Verifier {
	return &Verifier{secret: []byte(secret), audience: audience}
}

// Verify разбирает и проверяет токен.
func (v *Verifier) Verify(tokenString string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRequest проверяет заголовок Authorization запроса.
func (v *Verifier) VerifyRequest(r *http.Request) (*jwt.RegisteredClaims, error) {
	token, ok := BearerToken(r)
	if !ok {
		return nil, ErrMissingToken
	}
	return v.Verify(token)
}

// BearerToken извлекает токен из заголовка Authorization.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// StaticToken — токен, выпущенный вне процесса (например, платформой).
type StaticToken string

// Token возвращает один и тот же токен для любой аудитории.
func (t StaticToken) Token(string) (string, error) {
	return string(t), nil
}

// FixedAudience выпускает токены для одной аудитории независимо от получателя.
type FixedAudience struct {
	Source   TokenSource
	Audience string
}

// Token возвращает токен источника для заданной аудитории.
func (f FixedAudience) Token(string) (string, error) {
	return f.Source.Token(f.Audience)
}
