// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package attest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/veraison/go-cose"

	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/failure"
)

// coseSign1Tag is the leading byte of a COSE_Sign1 carrying its CBOR tag.
// Nitro documents come untagged.
const coseSign1Tag = 0xd2

// Document is the payload of a Nitro format attestation document.
type Document struct {
	ModuleID    string          `cbor:"module_id"`
	Digest      string          `cbor:"digest"`
	Timestamp   uint64          `cbor:"timestamp"`
	PCRs        map[uint][]byte `cbor:"pcrs"`
	Certificate []byte          `cbor:"certificate"`
	CABundle    [][]byte        `cbor:"cabundle"`
	PublicKey   []byte          `cbor:"public_key,omitempty"`
	UserData    []byte          `cbor:"user_data,omitempty"`
	Nonce       []byte          `cbor:"nonce,omitempty"`
}

// SignDocument returns doc as an untagged COSE_Sign1 structure signed by
// key, which must be the P-384 key of doc.Certificate.
func SignDocument(doc *Document, key *ecdsa.PrivateKey) ([]byte, error) {
	if key.Curve != elliptic.P384() {
		return nil, errors.New("attest: document keys must be P-384")
	}
	signer, err := cose.NewSigner(cose.AlgorithmES384, key)
	if err != nil {
		return nil, err
	}
	payload, err := cbor.Marshal(doc)
	if err != nil {
		return nil, err
	}
	msg := &cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES384,
			},
		},
		Payload: payload,
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, err
	}
	return msg.MarshalCBOR()
}

func decodeSign1(evidence []byte) (*cose.Sign1Message, error) {
	if len(evidence) > 0 && evidence[0] == coseSign1Tag {
		msg := new(cose.Sign1Message)
		if err := msg.UnmarshalCBOR(evidence); err != nil {
			return nil, err
		}
		return msg, nil
	}
	var untagged cose.UntaggedSign1Message
	if err := untagged.UnmarshalCBOR(evidence); err != nil {
		return nil, err
	}
	return (*cose.Sign1Message)(&untagged), nil
}

type coseVerifier struct {
	roots  *x509.CertPool
	policy *Policy
}

// NewCOSEVerifier returns a Verifier of Nitro format COSE_Sign1 documents
// chained to roots.  The measurement is the hex encoded PCR0.
func NewCOSEVerifier(roots *x509.CertPool, policy *Policy) Verifier {
	return &coseVerifier{roots: roots, policy: policy}
}

func (v *coseVerifier) Kind() string {
	return config.AttestationCOSE
}

func (v *coseVerifier) Verify(evidence, nonce []byte) (*Claims, error) {
	msg, err := decodeSign1(evidence)
	if err != nil {
		return nil, failure.NewAttestationError(failure.Malformed, "COSE_Sign1: %v", err)
	}
	alg, err := msg.Headers.Protected.Algorithm()
	if err != nil {
		return nil, failure.NewAttestationError(failure.Malformed, "protected header: %v", err)
	}
	if alg != cose.AlgorithmES384 {
		return nil, failure.NewAttestationError(failure.Malformed, "unsupported algorithm %v", alg)
	}
	doc := new(Document)
	if err := cbor.Unmarshal(msg.Payload, doc); err != nil {
		return nil, failure.NewAttestationError(failure.Malformed, "document: %v", err)
	}

	leaf, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return nil, failure.NewAttestationError(failure.Malformed, "certificate: %v", err)
	}
	var chain []*x509.Certificate
	for _, der := range doc.CABundle {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, failure.NewAttestationError(failure.Malformed, "cabundle: %v", err)
		}
		chain = append(chain, c)
	}
	if err := verifyChain(v.roots, leaf, chain, v.policy.now()); err != nil {
		return nil, err
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmES384, leaf.PublicKey)
	if err != nil {
		return nil, failure.NewAttestationError(failure.UntrustedSigner, "signer key: %v", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, failure.NewAttestationError(failure.UntrustedSigner, "document signature: %v", err)
	}

	pcr0, ok := doc.PCRs[0]
	if !ok {
		return nil, failure.NewAttestationError(failure.Malformed, "document has no PCR0")
	}
	claims := &Claims{
		Measurement: hex.EncodeToString(pcr0),
		PublicKey:   doc.PublicKey,
		Nonce:       doc.Nonce,
		IssuedAt:    time.UnixMilli(int64(doc.Timestamp)),
	}
	if doc.Timestamp == 0 {
		claims.IssuedAt = time.Time{}
	}
	if err := v.policy.Check(claims, nonce); err != nil {
		return nil, err
	}
	return claims, nil
}
