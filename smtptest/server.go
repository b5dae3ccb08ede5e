package smtptest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"
)

// doubtful a test will send an email this big, but we need a limit
const maxEmailSize int64 = 10 * units.MiB

// Received is one message as the relay saw it: the envelope plus the raw
// DATA payload.
type Received struct {
	Created time.Time
	From    string
	To      []string
	Body    string
}

// Options configures an InProcessServer. The zero value is a plaintext
// relay that accepts anonymous senders.
type Options struct {
	// Paths to a PEM key and certificate. When both are set the relay
	// offers STARTTLS.
	KeyPath  string
	CertPath string
	// When true, the relay refuses to take mail until the client
	// authenticates with AUTH PLAIN. Any non-empty username/password works.
	RequireAuth bool
	// Recipients the relay answers with a 550
	RejectRecipients []string
}

// backend implements smtp.Backend. It's a thin authentication wrapper
// for an InMemoryEmailStore.
type backend struct {
	store       *InMemoryEmailStore
	requireAuth bool
	reject      map[string]struct{}
}

// Login implements smtp.Backend. Any username/password is fine, since we
// don't want to couple this with specific test configurations.
func (be *backend) Login(_ *smtp.ConnectionState, username string, password string) (smtp.Session, error) {
	if username == "" || password == "" {
		return nil, errors.New("no username or password provided")
	}
	return be.newSession(), nil
}

// AnonymousLogin implements smtp.Backend.
func (be *backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	if be.requireAuth {
		return nil, smtp.ErrAuthRequired
	}
	return be.newSession(), nil
}

func (be *backend) newSession() *session {
	return &session{be: be}
}

// session tracks one envelope at a time. Implements smtp.Session.
type session struct {
	be   *backend
	from string
	to   []string
}

// Reset implements smtp.Session.
func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout implements smtp.Session. No-op here.
func (s *session) Logout() error { return nil }

// Mail implements smtp.Session.
func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt implements smtp.Session.
func (s *session) Rcpt(to string) error {
	if _, ok := s.be.reject[to]; ok {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      fmt.Sprintf("no such mailbox: %v", to),
		}
	}
	s.to = append(s.to, to)
	return nil
}

// Data implements smtp.Session. Stores the email data in memory for retrieval
// at the end of the test.
func (s *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}

	to := make([]string, len(s.to))
	copy(to, s.to)
	s.be.store.save(Received{
		Created: time.Now(),
		From:    s.from,
		To:      to,
		Body:    string(buf),
	})
	return nil
}

// InMemoryEmailStore retains received messages for comparison against
// a test's expected output. Goroutine safe, since every SMTP connection gets
// its own goroutine.
type InMemoryEmailStore struct {
	mu       sync.Mutex
	messages []Received
}

// save stores the message along with a timestamp created
// just prior to saving
func (es *InMemoryEmailStore) save(m Received) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.messages = append(es.messages, m)
}

// Messages returns a copy of everything received so far.
func (es *InMemoryEmailStore) Messages() []Received {
	es.mu.Lock()
	defer es.mu.Unlock()
	r := make([]Received, len(es.messages))
	copy(r, es.messages)
	return r
}

// RetrieveEmails returns a slice of all message bodies (as strings)
// received after epoch nanoseconds t
func (es *InMemoryEmailStore) RetrieveEmails(t int64) []string {
	es.mu.Lock()
	defer es.mu.Unlock()
	r := make([]string, 0, len(es.messages))
	for _, m := range es.messages {
		if m.Created.UnixNano() >= t {
			r = append(r, m.Body)
		}
	}
	return r
}

// InProcessServer is an SMTP relay that runs in the same process as the
// test suite, letting us inspect sent emails. You must initialize this
// via NewInProcessServer
type InProcessServer struct {
	*InMemoryEmailStore
	srv *smtp.Server
	l   net.Listener
}

// NewInProcessServer creates an InProcessServer listening on a free
// loopback port. Call Start to begin accepting connections.
func NewInProcessServer(opts Options) (*InProcessServer, error) {
	store := &InMemoryEmailStore{}

	be := &backend{
		store:       store,
		requireAuth: opts.RequireAuth,
		reject:      make(map[string]struct{}),
	}
	for _, r := range opts.RejectRecipients {
		be.reject[r] = struct{}{}
	}

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.MaxMessageBytes = int(maxEmailSize)
	srv.MaxRecipients = 50
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	// Strict enforces <address> syntax in MAIL and RCPT
	srv.Strict = true

	if opts.KeyPath != "" && opts.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("can't load the test relay's key pair: %v", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	} else {
		// No TLS to upgrade to, so allow AUTH in plaintext
		srv.AllowInsecureAuth = true
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("can't listen for the test relay: %v", err)
	}
	srv.Addr = l.Addr().String()

	return &InProcessServer{
		InMemoryEmailStore: store,
		srv:                srv,
		l:                  l,
	}, nil
}

// Start serves connections in a new goroutine.
func (is *InProcessServer) Start() {
	go is.srv.Serve(is.l)
}

// Close shuts down the relay. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	is.srv.Close()
	// Serve may not have registered the listener yet
	is.l.Close()
}

// Address returns the host:port of the test relay.
func (is *InProcessServer) Address() string {
	return is.l.Addr().String()
}
