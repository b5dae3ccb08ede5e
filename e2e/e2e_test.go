package e2e

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ptgott/testmail/dispatch"
	"github.com/ptgott/testmail/email"
	"github.com/ptgott/testmail/smtptest"
	"github.com/ptgott/testmail/storage"
	"github.com/ptgott/testmail/userconfig"
)

// configFor parses a YAML config the way the application does and points it
// at relayAddr.
func configFor(t *testing.T, relayAddr string, extra string) userconfig.Meta {
	t.Helper()
	doc := fmt.Sprintf("email:\n    relayAddress: %v\n    timeout: 5s\n%v", relayAddr, extra)
	m, err := userconfig.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("can't parse the test config: %v", err)
	}
	c, err := m.CheckAndSetDefaults()
	if err != nil {
		t.Fatalf("can't validate the test config: %v", err)
	}
	return c
}

func startRelay(t *testing.T, opts smtptest.Options) *smtptest.InProcessServer {
	t.Helper()
	srv, err := smtptest.NewInProcessServer(opts)
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

// Given a listening relay, one run delivers exactly one message carrying the
// literal header values, and "Email sent!" is printed afterward.
func TestSendsOneTestEmail(t *testing.T) {
	srv := startRelay(t, smtptest.Options{})
	config := configFor(t, srv.Address(), "")

	var out bytes.Buffer
	err := dispatch.Run(context.Background(), &config, &dispatch.Config{
		OutputWr: &out,
		History:  &storage.NoOpDB{},
	})
	if err != nil {
		t.Fatalf("unexpected error sending the test email: %v", err)
	}

	if out.String() != "Email sent!\n" {
		t.Errorf("expected %q on the output but got %q", "Email sent!\n", out.String())
	}

	ems := srv.Messages()
	if len(ems) != 1 {
		t.Fatalf("expecting 1 email but got %v", len(ems))
	}

	msg, err := mail.ReadMessage(strings.NewReader(ems[0].Body))
	if err != nil {
		t.Fatalf("the relay got something that isn't an email: %v", err)
	}

	for k, v := range map[string]string{
		"From":    "test@example.com",
		"To":      "bold-quick41@localhost.local",
		"Subject": "Python Test Email",
	} {
		if msg.Header.Get(k) != v {
			t.Errorf("expected header %v to be %q but got %q", k, v, msg.Header.Get(k))
		}
	}

	mt, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/mixed" {
		t.Fatalf("expected a multipart/mixed message but got %q (%v)", mt, err)
	}

	p, err := multipart.NewReader(msg.Body, params["boundary"]).NextPart()
	if err != nil {
		t.Fatal(err)
	}
	b, err := io.ReadAll(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "This is a test email sent from Python" {
		t.Errorf("unexpected body %q", string(b))
	}
}

func TestNoSuccessMessageWhenRelayIsDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	config := configFor(t, addr, "")

	var out bytes.Buffer
	err = dispatch.Run(context.Background(), &config, &dispatch.Config{OutputWr: &out})
	if err == nil {
		t.Fatal("expected an error with no relay listening")
	}
	if out.Len() != 0 {
		t.Errorf("expected no output but got %q", out.String())
	}
}

func TestNoSuccessMessageWhenRecipientRejected(t *testing.T) {
	srv := startRelay(t, smtptest.Options{
		RejectRecipients: []string{email.DefaultToAddress},
	})
	config := configFor(t, srv.Address(), "")

	var out bytes.Buffer
	err := dispatch.Run(context.Background(), &config, &dispatch.Config{OutputWr: &out})
	if err == nil {
		t.Fatal("expected an error for a rejected recipient")
	}
	if out.Len() != 0 {
		t.Errorf("expected no output but got %q", out.String())
	}
	if n := len(srv.Messages()); n != 0 {
		t.Errorf("expected no emails but the relay got %v", n)
	}
}

func TestSignedSendOverStartTLSWithHistory(t *testing.T) {
	k, c, err := smtptest.GenerateTLSFiles(t)
	if err != nil {
		t.Fatal(err)
	}
	srv := startRelay(t, smtptest.Options{
		KeyPath:     k,
		CertPath:    c,
		RequireAuth: true,
	})

	dkimKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	dkimPath := filepath.Join(t.TempDir(), "dkim.pem")
	err = os.WriteFile(dkimPath, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(dkimKey),
	}), 0600)
	if err != nil {
		t.Fatal(err)
	}

	historyDir := t.TempDir()
	config := configFor(t, "smtp://"+srv.Address(), fmt.Sprintf(`    startTLS: true
    skipCertVerification: true
    username: myuser123
    password: myuser123
    dkimSelector: e2e
    dkimKeyPath: %v
history:
    storageDir: %v
    keyTTL: 1h
`, dkimPath, historyDir))

	db, err := storage.Open(&config.History)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var out bytes.Buffer
	err = dispatch.Run(context.Background(), &config, &dispatch.Config{
		OutputWr: &out,
		History:  db,
	})
	if err != nil {
		t.Fatalf("unexpected error sending the signed email: %v", err)
	}
	if out.String() != "Email sent!\n" {
		t.Errorf("unexpected output %q", out.String())
	}

	ems := srv.Messages()
	if len(ems) != 1 {
		t.Fatalf("expecting 1 email but got %v", len(ems))
	}
	msg, err := mail.ReadMessage(strings.NewReader(ems[0].Body))
	if err != nil {
		t.Fatal(err)
	}
	sig := msg.Header.Get("DKIM-Signature")
	if !strings.Contains(sig, "s=e2e") || !strings.Contains(sig, "d=example.com") {
		t.Errorf("unexpected DKIM signature header %q", sig)
	}

	r, err := dispatch.LookupReceipt(db, msg.Header.Get("Message-ID"))
	if err != nil {
		t.Fatalf("can't find the receipt in the send history: %v", err)
	}
	if r.To != email.DefaultToAddress {
		t.Errorf("unexpected recipient in the receipt: %q", r.To)
	}
	if time.Since(r.SentAt) > time.Minute {
		t.Errorf("the receipt's timestamp looks wrong: %v", r.SentAt)
	}
}
