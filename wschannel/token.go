/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package wschannel

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const tokenIssuer = "handylink-callkit"

// signingKey derives the fixed-size HS256 key from the shared secret. go-jose
// rejects HMAC keys shorter than the hash size, and deployments configure
// free-form passphrases.
func signingKey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}

// NewToken mints a signed signaling token for userID, HMAC-signed with a key
// derived from the shared secret also held by the signal server.
func NewToken(key []byte, userID string, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: signingKey(key)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create token signer: %w", err)
	}

	now := time.Now()
	claims := jwt.Claims{
		Issuer:   tokenIssuer,
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// VerifyToken checks the signature, issuer, and expiry of a signaling token
// and returns the user id it was minted for.
func VerifyToken(key []byte, token string) (string, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", fmt.Errorf("malformed token: %w", err)
	}

	var claims jwt.Claims
	if err := parsed.Claims(signingKey(key), &claims); err != nil {
		return "", fmt.Errorf("invalid token signature: %w", err)
	}
	if err := claims.Validate(jwt.Expected{
		Issuer: tokenIssuer,
		Time:   time.Now(),
	}); err != nil {
		return "", fmt.Errorf("invalid token claims: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}
