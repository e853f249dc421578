package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nickyhof/EntityDB/core"
)

var ErrAuthRequired = errors.New("authentication required: send AUTH JWT <token>")

// AuthConfig configures server authentication.
type AuthConfig struct {
	// Enabled requires every connection to authenticate before running
	// statements. Without it statements commit under the server identity.
	Enabled bool

	// JWTSecret is the shared secret for HS256/HS384/HS512 validation.
	JWTSecret string

	// Issuer is the expected "iss" claim (optional).
	Issuer string

	// Audience is the expected "aud" claim (optional).
	Audience string

	// NameClaim and EmailClaim name the identity claims. They default to
	// "name" and "email".
	NameClaim  string
	EmailClaim string
}

type authResult struct {
	identity  core.Identity
	expiresAt time.Time
	err       error
}

func claimOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// validateJWT validates a token and extracts the commit identity from its
// claims.
func (s *Server) validateJWT(tokenString string) authResult {
	if s.auth == nil || s.auth.JWTSecret == "" {
		return authResult{err: errors.New("authentication not configured")}
	}
	nameClaim := claimOr(s.auth.NameClaim, "name")
	emailClaim := claimOr(s.auth.EmailClaim, "email")

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.auth.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return authResult{err: fmt.Errorf("invalid token: %w", err)}
	}
	if !token.Valid {
		return authResult{err: errors.New("invalid token")}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return authResult{err: errors.New("invalid token claims")}
	}

	if s.auth.Issuer != "" {
		issuer, _ := claims.GetIssuer()
		if issuer != s.auth.Issuer {
			return authResult{err: fmt.Errorf("invalid issuer: expected %s, got %s", s.auth.Issuer, issuer)}
		}
	}
	if s.auth.Audience != "" {
		audiences, _ := claims.GetAudience()
		if !slices.Contains(audiences, s.auth.Audience) {
			return authResult{err: fmt.Errorf("invalid audience: expected %s", s.auth.Audience)}
		}
	}

	name, _ := claims[nameClaim].(string)
	email, _ := claims[emailClaim].(string)
	if name == "" && email == "" {
		return authResult{err: fmt.Errorf("token missing identity claims (%s or %s)", nameClaim, emailClaim)}
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	return authResult{identity: core.Identity{Name: name, Email: email}, expiresAt: expiresAt}
}

// parseAuthCommand parses "AUTH JWT <token>".
func parseAuthCommand(line string) (authType, token string, err error) {
	parts := strings.Fields(line)
	if len(parts) == 0 || !strings.EqualFold(parts[0], "AUTH") {
		return "", "", errors.New("not an AUTH command")
	}
	if len(parts) < 3 {
		return "", "", errors.New("invalid AUTH command: expected AUTH <type> <credentials>")
	}

	authType = strings.ToUpper(parts[1])
	if authType != "JWT" {
		return "", "", fmt.Errorf("unsupported auth type: %s", authType)
	}
	return authType, parts[2], nil
}

func (s *Server) handleAuth(line string, state *connectionState) Response {
	_, token, err := parseAuthCommand(line)
	if err != nil {
		return failure("auth", err)
	}
	result := s.validateJWT(token)
	if result.err != nil {
		return failure("auth", result.err)
	}

	state.identity = result.identity
	state.authenticated = true
	state.tokenExpiry = result.expiresAt

	response := AuthResponse{Authenticated: true, Identity: result.identity.String()}
	if !result.expiresAt.IsZero() {
		response.ExpiresIn = int(time.Until(result.expiresAt).Seconds())
	}
	return success("auth", response)
}
