// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package attest

import (
	"bytes"
	"fmt"
	"time"

	"github.com/anjuna-security/go-nitro-attestation/attestdoc"
	"github.com/anjuna-security/go-nitro-attestation/verifier"
	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/failure"
)

type nitroVerifier struct {
	policy *Policy
}

// NewNitroVerifier returns a Verifier of AWS Nitro Enclaves attestation
// documents chained to the AWS Nitro root.  The enclave key, nonce and
// timestamp are the NSM signed document fields.  Documents from enclaves
// that place them in user data instead, as a CBOR Binding, are accepted
// when the native fields are absent.
func NewNitroVerifier(policy *Policy) Verifier {
	return &nitroVerifier{policy: policy}
}

func (v *nitroVerifier) Kind() string {
	return config.AttestationNitro
}

func (v *nitroVerifier) Verify(evidence, nonce []byte) (*Claims, error) {
	sr, err := verifier.NewSignedAttestationReport(bytes.NewReader(evidence))
	if err != nil {
		return nil, failure.NewAttestationError(failure.Malformed, "nitro document: %v", err)
	}
	if err := verifier.Validate(sr, nil); err != nil {
		return nil, &failure.AttestationError{Reason: failure.UntrustedSigner, Err: err}
	}

	claims, err := nitroClaims(sr.Document)
	if err != nil {
		return nil, err
	}
	if err := v.policy.Check(claims, nonce); err != nil {
		return nil, err
	}
	return claims, nil
}

func nitroClaims(doc *attestdoc.AttestDoc) (*Claims, error) {
	if len(doc.PCRs) == 0 || len(doc.PCRs[0]) == 0 {
		return nil, failure.NewAttestationError(failure.Malformed, "document has no PCR0")
	}
	claims := &Claims{
		Measurement: fmt.Sprintf("%x", doc.PCRs[0]),
		PublicKey:   doc.UserPublicKey,
		Nonce:       doc.UserNonce,
		IssuedAt:    doc.Timestamp,
	}
	if len(claims.PublicKey) == 0 || len(claims.Nonce) == 0 {
		var binding Binding
		if err := cbor.Unmarshal(doc.UserData, &binding); err != nil {
			return nil, failure.NewAttestationError(failure.Malformed, "user data: %v", err)
		}
		if len(claims.PublicKey) == 0 {
			claims.PublicKey = binding.PublicKey
		}
		if len(claims.Nonce) == 0 {
			claims.Nonce = binding.Nonce
		}
		if claims.IssuedAt.IsZero() && binding.Timestamp != 0 {
			claims.IssuedAt = time.UnixMilli(binding.Timestamp)
		}
	}
	return claims, nil
}
