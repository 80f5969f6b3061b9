package saml

import (
	"encoding/xml"
	"strings"
)

func renderAssertion(r AssertionRequest) string {
	notBefore := formatInstant(r.NotBefore)
	notOnOrAfter := formatInstant(r.NotOnOrAfter)
	var b strings.Builder
	b.WriteString(`<saml:Assertion xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="`)
	b.WriteString(escape(r.AssertionID))
	b.WriteString(`" IssueInstant="` + notBefore + `" Version="2.0">`)
	b.WriteString(`<saml:Issuer Format="urn:oasis:names:tc:SAML:2.0:nameid-format:entity">` + escape(r.Issuer) + `</saml:Issuer>`)
	b.WriteString(`<saml:Subject><saml:NameID Format="urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified">` + escape(r.Subject) + `</saml:NameID>`)
	b.WriteString(`<saml:SubjectConfirmation Method="urn:oasis:names:tc:SAML:2.0:cm:bearer">`)
	b.WriteString(`<saml:SubjectConfirmationData NotOnOrAfter="` + notOnOrAfter + `" Recipient="` + escape(r.Recipient) + `"></saml:SubjectConfirmationData>`)
	b.WriteString(`</saml:SubjectConfirmation></saml:Subject>`)
	b.WriteString(`<saml:Conditions NotBefore="` + notBefore + `" NotOnOrAfter="` + notOnOrAfter + `">`)
	b.WriteString(`<saml:AudienceRestriction><saml:Audience>` + escape(r.Audience) + `</saml:Audience></saml:AudienceRestriction></saml:Conditions>`)
	b.WriteString(`<saml:AuthnStatement AuthnInstant="` + notBefore + `"><saml:AuthnContext>`)
	b.WriteString(`<saml:AuthnContextClassRef>urn:oasis:names:tc:SAML:2.0:ac:classes:unspecified</saml:AuthnContextClassRef>`)
	b.WriteString(`</saml:AuthnContext></saml:AuthnStatement></saml:Assertion>`)
	return b.String()
}

func renderSignedInfo(assertionID, digest string) string {
	return `<ds:SignedInfo xmlns:ds="http://www.w3.org/2000/09/xmldsig#">` +
		`<ds:CanonicalizationMethod Algorithm="http://www.w3.org/2001/10/xml-exc-c14n#"></ds:CanonicalizationMethod>` +
		`<ds:SignatureMethod Algorithm="http://www.w3.org/2000/09/xmldsig#rsa-sha1"></ds:SignatureMethod>` +
		`<ds:Reference URI="#` + escape(assertionID) + `"><ds:Transforms>` +
		`<ds:Transform Algorithm="http://www.w3.org/2000/09/xmldsig#enveloped-signature"></ds:Transform>` +
		`<ds:Transform Algorithm="http://www.w3.org/2001/10/xml-exc-c14n#"></ds:Transform></ds:Transforms>` +
		`<ds:DigestMethod Algorithm="http://www.w3.org/2000/09/xmldsig#sha1"></ds:DigestMethod>` +
		`<ds:DigestValue>` + digest + `</ds:DigestValue></ds:Reference></ds:SignedInfo>`
}

func renderSignature(signedInfo, value string) string {
	return `<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">` + signedInfo +
		`<ds:SignatureValue>` + value + `</ds:SignatureValue></ds:Signature>`
}

// escape keeps usernames and URLs with markup characters from breaking the document.
func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
