package smtptest

import (
	"os"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// GenerateTLSFiles writes a TLS key and certificate for 127.0.0.1 to a
// temporary test directory that is removed after the test runs. It returns
// the file paths of the key and certificate. The certificate is a root cert.
func GenerateTLSFiles(t *testing.T) (keyPath string, certPath string, err error) {
	host := "127.0.0.1"
	d := t.TempDir() + string(os.PathSeparator)
	err = testcert.GenerateCert(
		host,
		"",                         // defaults to now
		time.Duration(1)*time.Hour, // the test won't run for this long
		true,                       // is a CA cert
		2048,
		"", // RSA rather than ECDSA
		d,
	)

	if err != nil {
		return
	}

	// These file names are hardcoded into testcert.GenerateCert
	keyPath = d + host + ".key.pem"
	certPath = d + host + ".cert.pem"

	return
}
