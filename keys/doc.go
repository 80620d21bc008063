// Package keys loads RSA signing keys and X.509 certificates from the
// formats clinicians are issued: PEM (PKCS#1, PKCS#8, encrypted PKCS#8) and
// PKCS#12 bundles.
package keys
