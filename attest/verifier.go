// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package attest

import (
	"bytes"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/failure"
)

// Claims are the verified statements of a piece of evidence.
type Claims struct {
	// Measurement is the code measurement, formatted as configured.
	Measurement string

	// PublicKey is the enclave's Noise static public key.
	PublicKey []byte

	// Nonce is the client nonce echoed by the evidence.
	Nonce []byte

	// IssuedAt is when the evidence was produced.
	IssuedAt time.Time
}

// Verifier checks attestation evidence.
type Verifier interface {
	// Kind returns the evidence format this Verifier accepts.
	Kind() string

	// Verify checks evidence against the trust root and the Policy, and
	// returns the claims iff the evidence is trusted, matches an expected
	// measurement, is fresh and echoes nonce.
	Verify(evidence, nonce []byte) (*Claims, error)
}

// Policy is what a trusted enclave must prove.
type Policy struct {
	Measurements []string
	MaxAge       time.Duration
	ClockSkew    time.Duration

	NowFn func() time.Time
}

func (p *Policy) now() time.Time {
	if p.NowFn != nil {
		return p.NowFn()
	}
	return time.Now()
}

// Check applies the policy to the claims of evidence whose signature was
// already verified.
func (p *Policy) Check(c *Claims, nonce []byte) error {
	found := false
	for _, m := range p.Measurements {
		if subtle.ConstantTimeCompare([]byte(m), []byte(c.Measurement)) == 1 {
			found = true
		}
	}
	if !found {
		return failure.NewAttestationError(failure.MeasurementMismatch, "measurement %v is not expected", c.Measurement)
	}

	now := p.now()
	switch {
	case c.IssuedAt.IsZero():
		return failure.NewAttestationError(failure.Malformed, "evidence has no timestamp")
	case c.IssuedAt.After(now.Add(p.ClockSkew)):
		return failure.NewAttestationError(failure.Expired, "evidence issued in the future (%v)", c.IssuedAt)
	case now.Sub(c.IssuedAt) > p.MaxAge+p.ClockSkew:
		return failure.NewAttestationError(failure.Expired, "evidence issued at %v is older than %v", c.IssuedAt, p.MaxAge)
	}

	if subtle.ConstantTimeCompare(c.Nonce, nonce) != 1 {
		return &failure.AttestationError{Reason: failure.Replayed, Err: errors.New("nonce mismatch")}
	}
	if len(c.PublicKey) != 32 || bytes.Equal(c.PublicKey, make([]byte, 32)) {
		return failure.NewAttestationError(failure.KeyMismatch, "invalid bound key (%d bytes)", len(c.PublicKey))
	}
	return nil
}

// NewPolicy returns the Policy of an endpoint's attestation configuration.
func NewPolicy(cfg *config.Attestation, nowFn func() time.Time) *Policy {
	return &Policy{
		Measurements: append([]string{}, cfg.Measurements...),
		MaxAge:       time.Duration(cfg.MaxAge) * time.Second,
		ClockSkew:    time.Duration(cfg.ClockSkew) * time.Second,
		NowFn:        nowFn,
	}
}

// NewVerifier returns the Verifier for an endpoint's attestation
// configuration.
func NewVerifier(cfg *config.Attestation, nowFn func() time.Time) (Verifier, error) {
	policy := NewPolicy(cfg, nowFn)
	switch cfg.Kind {
	case config.AttestationCOSE:
		roots, err := LoadRoots(cfg.RootCAFile)
		if err != nil {
			return nil, err
		}
		return NewCOSEVerifier(roots, policy), nil
	case config.AttestationJWT:
		roots, err := LoadRoots(cfg.RootCAFile)
		if err != nil {
			return nil, err
		}
		return NewJWTVerifier(roots, policy), nil
	case config.AttestationNitro:
		return NewNitroVerifier(policy), nil
	default:
		return nil, fmt.Errorf("attest: unsupported evidence kind '%v'", cfg.Kind)
	}
}

// LoadRoots loads a PEM encoded trust root file.
func LoadRoots(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("attest: failed to read roots: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("attest: no certificates in %v", path)
	}
	return pool, nil
}

func verifyChain(roots *x509.CertPool, leaf *x509.Certificate, chain []*x509.Certificate, now time.Time) error {
	intermediates := x509.NewCertPool()
	for _, c := range chain {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return &failure.AttestationError{Reason: failure.UntrustedSigner, Err: err}
	}
	return nil
}
