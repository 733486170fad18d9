package crypt

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

func GeneratePrivateKeyPEM() (string, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", fmt.Errorf("failed to generate RSA private key: %w", err)
	}

	return ConvertPrivateKeyToPEM(privateKey)
}

func GeneratePublicKeyPEM(privateKeyPEM string) (string, error) {
	privateKey, err := ConvertPrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	rsaPrivateKey, ok := privateKey.(*rsa.PrivateKey)
	if !ok {
		return "", fmt.Errorf("unsupported private key type: %T", privateKey)
	}

	derPublicKey, err := x509.MarshalPKIXPublicKey(&rsaPrivateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal RSA public key: %w", err)
	}

	buf := bytes.NewBufferString("")
	if err := pem.Encode(buf, &pem.Block{Type: "PUBLIC KEY", Bytes: derPublicKey}); err != nil {
		return "", fmt.Errorf("cannot encode RSA public key: %v", err)
	}

	return buf.String(), nil
}

func ConvertPrivateKeyToPEM(privateKey crypto.PrivateKey) (string, error) {
	derPrivateKey, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal RSA private key: %w", err)
	}

	buf := bytes.NewBufferString("")
	if err := pem.Encode(buf, &pem.Block{Type: "PRIVATE KEY", Bytes: derPrivateKey}); err != nil {
		return "", fmt.Errorf("cannot encode RSA private key: %v", err)
	}

	return buf.String(), nil
}

func ConvertPrivateKey(privateKeyPEM string) (crypto.PrivateKey, error) {
	pemBlock, _ := pem.Decode([]byte(privateKeyPEM))
	if pemBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	switch pemBlock.Type {
	case "PRIVATE KEY":
		privateKey, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return privateKey, nil
	case "RSA PRIVATE KEY":
		privateKey, err := x509.ParsePKCS1PrivateKey(pemBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return privateKey, nil
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", pemBlock.Type)
	}
}

func ConvertPublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	pemBlock, _ := pem.Decode([]byte(publicKeyPEM))
	if pemBlock == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}

	publicKey, err := x509.ParsePKIXPublicKey(pemBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPublicKey, ok := publicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type: %T", publicKey)
	}

	return rsaPublicKey, nil
}
