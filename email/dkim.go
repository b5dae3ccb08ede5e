package email

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"
)

// DKIMSigner prepends a DKIM-Signature header to composed messages.
type DKIMSigner struct {
	options *dkim.SignOptions
}

// NewDKIMSigner returns a DKIMSigner for the given signing domain and
// selector. key is a PEM-encoded RSA (PKCS#1 or PKCS#8) or Ed25519 (PKCS#8)
// private key.
func NewDKIMSigner(domain, selector string, key []byte) (*DKIMSigner, error) {
	if domain == "" || selector == "" {
		return nil, errors.New("DKIM signing needs both a domain and a selector")
	}

	s, err := ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}

	return &DKIMSigner{
		options: &dkim.SignOptions{
			Domain:   domain,
			Selector: selector,
			Signer:   s,
			Hash:     crypto.SHA256,
		},
	}, nil
}

// Sign returns raw with a DKIM-Signature header in front of it.
func (ds *DKIMSigner) Sign(raw []byte) ([]byte, error) {
	signer, err := dkim.NewSigner(ds.options)
	if err != nil {
		return nil, fmt.Errorf("can't create the DKIM signer: %v", err)
	}
	if _, err := signer.Write(raw); err != nil {
		return nil, fmt.Errorf("can't hash the message for DKIM: %v", err)
	}
	if err := signer.Close(); err != nil {
		return nil, fmt.Errorf("can't sign the message: %v", err)
	}

	sig := signer.Signature()
	out := make([]byte, 0, len(sig)+len(raw))
	out = append(out, sig...)
	out = append(out, raw...)
	return out, nil
}

// ParsePrivateKey decodes the first PEM block in key.
func ParsePrivateKey(key []byte) (crypto.Signer, error) {
	b, _ := pem.Decode(key)
	if b == nil {
		return nil, errors.New("no PEM block found in the DKIM key")
	}

	switch b.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(b.Bytes)
		if err != nil {
			return nil, fmt.Errorf("can't parse the PKCS#1 DKIM key: %v", err)
		}
		return k, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(b.Bytes)
		if err != nil {
			return nil, fmt.Errorf("can't parse the PKCS#8 DKIM key: %v", err)
		}
		switch k := k.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported DKIM key type %T", k)
		}
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q in the DKIM key", b.Type)
	}
}
