package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	pemArmor      = regexp.MustCompile(`-----(BEGIN|END) [A-Z0-9 ]+-----`)
	nonBase64Char = regexp.MustCompile(`[^A-Za-z0-9+/=]`)
)

// GenerateKeyPairPEM creates an RSA key pair encoded as PKCS#8 and PKIX PEM blocks.
func GenerateKeyPairPEM(bits int) (privatePEM, publicPEM string, err error) {
	if bits < 2048 {
		bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return privatePEM, publicPEM, nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	der, err := pemBody(pemData)
	if err != nil {
		return nil, fmt.Errorf("invalid PEM private key: %w", err)
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("unsupported private key type")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(der)
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	der, err := pemBody(pemData)
	if err != nil {
		return nil, fmt.Errorf("invalid PEM public key: %w", err)
	}
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PublicKey(der)
}

// pemBody returns the DER bytes of a PEM document. Well-formed input goes through
// encoding/pem; copy-pasted keys with lost line breaks or padding fall back to a
// lenient decode of the armored body.
func pemBody(pemData string) ([]byte, error) {
	pemData = strings.ReplaceAll(strings.TrimSpace(pemData), `\n`, "\n")
	if pemData == "" {
		return nil, errors.New("empty key")
	}
	if block, _ := pem.Decode([]byte(pemData)); block != nil {
		return block.Bytes, nil
	}
	return decodeBase64Lenient(pemArmor.ReplaceAllString(pemData, ""))
}

func decodeBase64Lenient(s string) ([]byte, error) {
	s = nonBase64Char.ReplaceAllString(s, "")
	if s == "" {
		return nil, errors.New("empty key body")
	}
	if mod := len(s) % 4; mod > 0 {
		s += strings.Repeat("=", 4-mod)
	}
	return base64.StdEncoding.DecodeString(s)
}
