// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package attest

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/failure"
)

// NonceList is an eat_nonce claim, which is either a string or a list of
// strings.
type NonceList []string

// UnmarshalJSON accepts both forms of the claim.
func (n *NonceList) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = NonceList{s}
		return nil
	}
	var l []string
	if err := json.Unmarshal(b, &l); err != nil {
		return err
	}
	*n = l
	return nil
}

// TokenClaims are the claims of a confidential space style token.  The
// first eat_nonce is the client nonce and the second the enclave's Noise
// static key, both base64 encoded.
type TokenClaims struct {
	jwt.RegisteredClaims

	EATNonce NonceList `json:"eat_nonce"`
	Submods  struct {
		Container struct {
			ImageDigest string `json:"image_digest"`
		} `json:"container"`
	} `json:"submods"`
}

// SignToken returns a signed ES384 token for the given image digest,
// binding nonce and publicKey.  chain is the DER certificate chain of key,
// leaf first.
func SignToken(key *ecdsa.PrivateKey, chain [][]byte, digest string, nonce, publicKey []byte, issuedAt time.Time, ttl time.Duration) ([]byte, error) {
	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		EATNonce: NonceList{
			base64.StdEncoding.EncodeToString(nonce),
			base64.StdEncoding.EncodeToString(publicKey),
		},
	}
	claims.Submods.Container.ImageDigest = digest

	token := jwt.NewWithClaims(jwt.SigningMethodES384, claims)
	x5c := make([]string, 0, len(chain))
	for _, der := range chain {
		x5c = append(x5c, base64.StdEncoding.EncodeToString(der))
	}
	token.Header["x5c"] = x5c
	s, err := token.SignedString(key)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

type jwtVerifier struct {
	roots  *x509.CertPool
	policy *Policy
}

// NewJWTVerifier returns a Verifier of tokens whose x5c chain leads to
// roots.  The measurement is the container image digest claim.
func NewJWTVerifier(roots *x509.CertPool, policy *Policy) Verifier {
	return &jwtVerifier{roots: roots, policy: policy}
}

func (v *jwtVerifier) Kind() string {
	return config.AttestationJWT
}

func (v *jwtVerifier) keyFunc(t *jwt.Token) (interface{}, error) {
	x5c, ok := t.Header["x5c"].([]interface{})
	if !ok || len(x5c) == 0 {
		return nil, errors.New("missing x5c header")
	}
	var certs []*x509.Certificate
	for _, v := range x5c {
		s, _ := v.(string)
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("x5c: %w", err)
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c: %w", err)
		}
		certs = append(certs, c)
	}
	if err := verifyChain(v.roots, certs[0], certs[1:], v.policy.now()); err != nil {
		return nil, err
	}
	return certs[0].PublicKey, nil
}

func (v *jwtVerifier) Verify(evidence, nonce []byte) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"ES256", "ES384", "RS256"}),
		jwt.WithTimeFunc(v.policy.now),
		jwt.WithLeeway(v.policy.ClockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	tc := new(TokenClaims)
	_, err := parser.ParseWithClaims(strings.TrimSpace(string(evidence)), tc, v.keyFunc)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return nil, &failure.AttestationError{Reason: failure.Expired, Err: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, &failure.AttestationError{Reason: failure.Malformed, Err: err}
	default:
		return nil, &failure.AttestationError{Reason: failure.UntrustedSigner, Err: err}
	}

	claims := &Claims{Measurement: tc.Submods.Container.ImageDigest}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	if len(tc.EATNonce) != 2 {
		return nil, failure.NewAttestationError(failure.Malformed, "expected 2 eat_nonce values, got %d", len(tc.EATNonce))
	}
	if claims.Nonce, err = base64.StdEncoding.DecodeString(tc.EATNonce[0]); err != nil {
		return nil, failure.NewAttestationError(failure.Malformed, "eat_nonce: %v", err)
	}
	if claims.PublicKey, err = base64.StdEncoding.DecodeString(tc.EATNonce[1]); err != nil {
		return nil, failure.NewAttestationError(failure.Malformed, "eat_nonce: %v", err)
	}
	if err := v.policy.Check(claims, nonce); err != nil {
		return nil, err
	}
	return claims, nil
}
