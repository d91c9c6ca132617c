package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// IsVerificationError reports whether err means the peer completed the
// handshake far enough to present a certificate that was then rejected.
func IsVerificationError(err error) bool {
	if err == nil {
		return false
	}
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		constraintEr x509.ConstraintViolationError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &constraintEr)
}

// Describe summarizes a verification failure, naming the presented issuer
// when it is known. TLS-inspecting proxies show up here.
func Describe(err error) string {
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) && len(verifyErr.UnverifiedCertificates) > 0 {
		leaf := verifyErr.UnverifiedCertificates[0]
		return fmt.Sprintf("certificate for %q issued by %q not trusted: %v",
			leaf.Subject.CommonName, leaf.Issuer.CommonName, verifyErr.Err)
	}
	return err.Error()
}
