package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const smtpScheme string = "smtp://"

// Values used when the user doesn't supply their own
const (
	DefaultRelayAddress   = "localhost:2525"
	DefaultFromAddress    = "test@example.com"
	DefaultToAddress      = "bold-quick41@localhost.local"
	DefaultSubject        = "Python Test Email"
	DefaultBody           = "This is a test email sent from Python"
	DefaultHelo           = "localhost"
	DefaultTimeout        = 30 * time.Second
	DefaultMaxMessageSize = 10 * units.MiB
)

// UserConfig represents config options provided by
// the user. Not meant to be used directly for sending
// email without validation.
type UserConfig struct {
	RelayAddress         string
	FromAddress          string
	ToAddress            string
	Subject              string
	Body                 string
	Username             string
	Password             string
	StartTLS             bool
	SkipCertVerification bool
	Helo                 string
	Timeout              time.Duration
	MaxMessageSize       units.Base2Bytes
	DKIMSelector         string
	DKIMDomain           string
	DKIMKeyPath          string
}

// UnmarshalYAML parses the "email" section of a user-provided configuration.
// Validation happens in CheckAndSetDefaults, since every key is optional.
func (uc *UserConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	err := unmarshal(&v)
	if err != nil {
		return fmt.Errorf("can't parse the email config: %v", err)
	}

	uc.RelayAddress = v["relayAddress"]
	uc.FromAddress = v["fromAddress"]
	uc.ToAddress = v["toAddress"]
	uc.Subject = v["subject"]
	uc.Body = v["body"]
	uc.Username = v["username"]
	uc.Password = v["password"]
	uc.Helo = v["helo"]
	uc.DKIMSelector = v["dkimSelector"]
	uc.DKIMDomain = v["dkimDomain"]
	uc.DKIMKeyPath = v["dkimKeyPath"]

	if s, ok := v["startTLS"]; ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("startTLS must be true or false: %v", err)
		}
		uc.StartTLS = b
	}

	if s, ok := v["skipCertVerification"]; ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("skipCertVerification must be true or false: %v", err)
		}
		uc.SkipCertVerification = b
	}

	if s, ok := v["timeout"]; ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("can't parse the SMTP timeout as a duration: %v", err)
		}
		uc.Timeout = d
	}

	if s, ok := v["maxMessageSize"]; ok {
		b, err := units.ParseBase2Bytes(s)
		if err != nil {
			return fmt.Errorf("can't parse the maximum message size: %v", err)
		}
		uc.MaxMessageSize = b
	}

	return nil
}

// CheckAndSetDefaults validates uc and either returns a copy of uc with
// default settings applied or returns an error due to an invalid
// configuration
func (uc *UserConfig) CheckAndSetDefaults() (UserConfig, error) {
	c := *uc

	if c.RelayAddress == "" {
		c.RelayAddress = DefaultRelayAddress
	}
	if c.FromAddress == "" {
		c.FromAddress = DefaultFromAddress
	}
	if c.ToAddress == "" {
		c.ToAddress = DefaultToAddress
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Body == "" {
		c.Body = DefaultBody
	}
	if c.Helo == "" {
		c.Helo = DefaultHelo
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < 0 {
		return UserConfig{}, errors.New("the SMTP timeout can't be negative")
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}

	if _, _, err := parseRelayAddress(c.RelayAddress); err != nil {
		return UserConfig{}, err
	}

	if (c.Username == "") != (c.Password == "") {
		return UserConfig{}, errors.New("must supply both a username and a password, or neither")
	}

	// The message itself checks the addresses, so we build a throwaway one
	if _, err := NewMessage(c.FromAddress, c.ToAddress, c.Subject, c.Body); err != nil {
		return UserConfig{}, err
	}

	if c.DKIMKeyPath != "" || c.DKIMSelector != "" {
		if c.DKIMKeyPath == "" || c.DKIMSelector == "" {
			return UserConfig{}, errors.New("DKIM signing needs both dkimSelector and dkimKeyPath")
		}
		if c.DKIMDomain == "" {
			fa, _ := NewMessage(c.FromAddress, c.ToAddress, c.Subject, c.Body)
			c.DKIMDomain = domainOf(fa.EnvelopeFrom())
		}
	}

	return c, nil
}

// DKIMSigner loads the configured DKIM key. It returns a nil signer and a
// nil error when DKIM signing isn't configured.
func (uc *UserConfig) DKIMSigner() (*DKIMSigner, error) {
	if uc.DKIMKeyPath == "" {
		return nil, nil
	}
	k, err := os.ReadFile(uc.DKIMKeyPath)
	if err != nil {
		return nil, fmt.Errorf("can't read the DKIM key: %v", err)
	}
	return NewDKIMSigner(uc.DKIMDomain, uc.DKIMSelector, k)
}

// parseRelayAddress accepts host:port with or without an smtp:// scheme.
func parseRelayAddress(addr string) (host string, port int, err error) {
	ra := addr
	if i := strings.Index(ra, "://"); i >= 0 {
		if !strings.HasPrefix(ra, smtpScheme) {
			return "", 0, fmt.Errorf("the relay address %q must use the smtp scheme", addr)
		}
	} else {
		ra = smtpScheme + ra
	}

	u, err := url.Parse(ra)
	if err != nil {
		return "", 0, fmt.Errorf("can't parse the relay address %q: %v", addr, err)
	}

	p, err := strconv.Atoi(u.Port())
	if err != nil {
		return "", 0, fmt.Errorf("the relay address %q needs a numeric port", addr)
	}

	return u.Hostname(), p, nil
}

// SMTPClient hands messages to a single SMTP relay
type SMTPClient struct {
	host    string
	port    int
	helo    string
	timeout time.Duration
	maxSize int64
	auth    sasl.Client
	tlsc    *tls.Config
}

// NewSMTPClient returns an SMTPClient for a validated UserConfig (see
// CheckAndSetDefaults).
func NewSMTPClient(uc UserConfig) (*SMTPClient, error) {
	host, port, err := parseRelayAddress(uc.RelayAddress)
	if err != nil {
		return &SMTPClient{}, err
	}

	sc := &SMTPClient{
		host:    host,
		port:    port,
		helo:    uc.Helo,
		timeout: uc.Timeout,
		maxSize: int64(uc.MaxMessageSize),
	}

	if uc.Username != "" {
		sc.auth = sasl.NewPlainClient("", uc.Username, uc.Password)
	}

	if uc.StartTLS {
		sc.tlsc = &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: uc.SkipCertVerification,
		}
	}

	return sc, nil
}

// Address is the relay's host:port.
func (sc *SMTPClient) Address() string {
	return net.JoinHostPort(sc.host, strconv.Itoa(sc.port))
}

// Send opens one connection to the relay, transmits msg to every address in
// to, and closes the connection. A nil error means the relay accepted the
// message and the session ended cleanly. If ctx ends first, Send returns
// ctx.Err().
func (sc *SMTPClient) Send(ctx context.Context, from string, to []string, msg []byte) (err error) {
	defer func() {
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}()

	if sc.maxSize > 0 && int64(len(msg)) > sc.maxSize {
		return pkgerrors.Errorf("message is %v bytes, over the %v byte limit", len(msg), sc.maxSize)
	}
	if len(to) == 0 {
		return pkgerrors.New("no recipients specified")
	}

	addr := sc.Address()
	l := log.With().Str("relay", addr).Logger()

	d := net.Dialer{Timeout: sc.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to connect to the SMTP relay")
	}

	deadline := time.Now().Add(sc.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return pkgerrors.Wrap(err, "failed to set the connection deadline")
	}

	// Cancelling ctx interrupts whatever exchange is in flight
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	c, err := smtp.NewClient(conn, sc.host)
	if err != nil {
		conn.Close()
		return pkgerrors.Wrap(err, "failed to read the relay greeting")
	}
	// Close is a no-op after a successful Quit
	defer c.Close()

	l.Debug().Msg("connected to the SMTP relay")

	if err := c.Hello(sc.helo); err != nil {
		return pkgerrors.Wrap(err, "failed to say hello")
	}

	if sc.tlsc != nil {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return pkgerrors.New("the relay doesn't support STARTTLS")
		}
		if err := c.StartTLS(sc.tlsc); err != nil {
			return pkgerrors.Wrap(err, "failed to start TLS")
		}
		l.Debug().Msg("upgraded the connection to TLS")
	}

	if sc.auth != nil {
		if err := c.Auth(sc.auth); err != nil {
			return pkgerrors.Wrap(err, "failed to authenticate")
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return pkgerrors.Wrap(err, "failed to set sender")
	}

	for _, r := range to {
		if err := c.Rcpt(r); err != nil {
			return pkgerrors.Wrapf(err, "failed to set recipient %v", r)
		}
	}

	w, err := c.Data()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to start the data transfer")
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return pkgerrors.Wrap(err, "failed to write message")
	}
	// The relay's reply to the end of DATA arrives here
	if err := w.Close(); err != nil {
		return pkgerrors.Wrap(err, "the relay rejected the message data")
	}

	if err := c.Quit(); err != nil {
		return pkgerrors.Wrap(err, "failed to quit")
	}

	l.Debug().Int("bytes", len(msg)).Msg("the relay accepted the message")
	return nil
}
