// Package auth проверяет bearer-токены и превращает их в domain.Principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

// Claims - полезная нагрузка токена.
type Claims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator выпускает и проверяет HS256-токены.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator создаёт Authenticator. Пустой секрет отключает проверку: любой токен отклоняется.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue выпускает токен для субъекта.
func (a *Authenticator) Issue(p domain.Principal, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	if !p.Authenticated() {
		return "", errors.New("principal id is required")
	}
	now := a.now()
	claims := Claims{
		Role:  string(p.Role),
		Email: p.Email,
		Name:  p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify проверяет токен и возвращает субъекта.
func (a *Authenticator) Verify(raw string) (domain.Principal, error) {
	if len(a.secret) == 0 || raw == "" {
		return domain.Principal{}, domain.ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid || claims.Subject == "" {
		return domain.Principal{}, domain.ErrUnauthenticated
	}

	role := domain.Role(claims.Role)
	switch role {
	case domain.RoleAdmin, domain.RoleStaff, domain.RoleCustomer:
	case "":
		role = domain.RoleCustomer
	default:
		return domain.Principal{}, domain.ErrUnauthenticated
	}

	return domain.Principal{
		ID:    claims.Subject,
		Role:  role,
		Email: claims.Email,
		Name:  claims.Name,
	}, nil
}

// FromHeader разбирает заголовок Authorization. Пустой заголовок: (Principal{}, false, nil).
func (a *Authenticator) FromHeader(header string) (domain.Principal, bool, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return domain.Principal{}, false, nil
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return domain.Principal{}, false, domain.ErrUnauthenticated
	}
	p, err := a.Verify(strings.TrimSpace(token))
	if err != nil {
		return domain.Principal{}, false, err
	}
	return p, true, nil
}

type principalKey struct{}

// WithPrincipal кладёт субъекта в контекст запроса.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom достаёт субъекта из контекста.
func PrincipalFrom(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok && p.Authenticated()
}
