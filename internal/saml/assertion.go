package saml

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // the bearer flow mandates rsa-sha1
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"orgstream/pkg/problems"
)

const (
	// NotBeforeSkew is subtracted from the issue time to tolerate clock drift at the IdP.
	NotBeforeSkew = 120 * time.Second
	// Lifetime bounds how long the assertion may be exchanged.
	Lifetime = 300 * time.Second

	timeLayout = "2006-01-02T15:04:05Z"
	idSalt     = "assertion"
	subjectTag = "<saml:Subject>"
)

// AssertionRequest holds the values interpolated into the assertion template.
type AssertionRequest struct {
	Issuer       string
	Subject      string
	Audience     string
	Recipient    string
	NotBefore    time.Time
	NotOnOrAfter time.Time
	AssertionID  string
}

// NewAssertionRequest derives the validity window from now.
func NewAssertionRequest(subject, issuer, audience, recipient string, now time.Time, id string) AssertionRequest {
	now = now.UTC()
	return AssertionRequest{
		Issuer:       issuer,
		Subject:      subject,
		Audience:     audience,
		Recipient:    recipient,
		NotBefore:    now.Add(-NotBeforeSkew),
		NotOnOrAfter: now.Add(Lifetime),
		AssertionID:  id,
	}
}

// Signer builds and signs bearer assertions with the process signing key.
type Signer struct {
	key    *rsa.PrivateKey
	random func() float64
}

// Option configures a Signer.
type Option func(*Signer)

// WithRandom replaces the source of the assertion id seed.
func WithRandom(f func() float64) Option {
	return func(s *Signer) { s.random = f }
}

func NewSigner(key *rsa.PrivateKey, opts ...Option) *Signer {
	s := &Signer{key: key, random: mrand.Float64}
	for _, o := range opts {
		o(s)
	}
	return s
}

// LoadPrivateKey parses a PEM encoded RSA private key (PKCS#1 or PKCS#8).
func LoadPrivateKey(pemText string) (*rsa.PrivateKey, error) {
	if strings.TrimSpace(pemText) == "" {
		return nil, errors.New("signing key is empty")
	}
	key, err := jwk.ParseKey([]byte(pemText), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("signing key material: %w", err)
	}
	priv, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want RSA private key", raw)
	}
	return priv, nil
}

// Sign returns the base64url (unpadded) encoding of a signed assertion.
func (s *Signer) Sign(subject, issuer, audience, recipient string, now time.Time) (string, error) {
	if s == nil || s.key == nil {
		return "", problems.New(problems.Auth, "", "saml.sign", errors.New("no signing key configured"))
	}
	req := NewAssertionRequest(subject, issuer, audience, recipient, now, s.newAssertionID())
	doc, err := s.SignRequest(req)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString([]byte(doc)), nil
}

// SignRequest renders req, signs it and returns the signed document (not encoded).
func (s *Signer) SignRequest(req AssertionRequest) (string, error) {
	unsigned := renderAssertion(req)
	sum := sha1.Sum([]byte(unsigned)) //nolint:gosec
	digest := base64.StdEncoding.EncodeToString(sum[:])

	signedInfo := renderSignedInfo(req.AssertionID, digest)
	siSum := sha1.Sum([]byte(signedInfo)) //nolint:gosec
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA1, siSum[:])
	if err != nil {
		return "", problems.New(problems.Auth, "", "saml.sign", err)
	}
	block := renderSignature(signedInfo, base64.StdEncoding.EncodeToString(sig))
	return spliceSignature(unsigned, block)
}

// spliceSignature inserts the signature block right before the subject element.
func spliceSignature(doc, block string) (string, error) {
	i := strings.Index(doc, subjectTag)
	if i < 0 {
		return "", problems.New(problems.Auth, "", "saml.sign", errors.New("assertion has no subject element"))
	}
	return doc[:i] + block + doc[i:], nil
}

func (s *Signer) newAssertionID() string {
	h := sha256.Sum256([]byte(idSalt + strconv.FormatFloat(s.random(), 'g', -1, 64)))
	return hex.EncodeToString(h[:])
}

func formatInstant(t time.Time) string { return t.UTC().Format(timeLayout) }
