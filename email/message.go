package email

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Message is a single test email: three header fields and one plain-text
// body part. Build one with NewMessage.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string

	// Filled in by Compose if empty
	MessageID string
	Date      time.Time

	fromAddr *mail.Address
	toAddr   *mail.Address
}

// NewMessage validates the header values and returns a Message ready to be
// composed.
func NewMessage(from, to, subject, body string) (*Message, error) {
	fa, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("can't parse the \"from\" address %q: %v", from, err)
	}

	ta, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("can't parse the \"to\" address %q: %v", to, err)
	}

	if strings.ContainsAny(subject, "\r\n") {
		return nil, errors.New("the subject can't contain line breaks")
	}

	return &Message{
		From:     from,
		To:       to,
		Subject:  subject,
		Body:     body,
		fromAddr: fa,
		toAddr:   ta,
	}, nil
}

// EnvelopeFrom is the bare address used for MAIL FROM.
func (m *Message) EnvelopeFrom() string {
	return m.fromAddr.Address
}

// EnvelopeTo is the list of bare addresses used for RCPT TO.
func (m *Message) EnvelopeTo() []string {
	return []string{m.toAddr.Address}
}

// Compose writes m as a multipart/mixed message with a single text/plain
// part. Lines end in CRLF. now stamps the Date header unless m.Date is
// already set.
func (m *Message) Compose(now time.Time) ([]byte, error) {
	if m.Date.IsZero() {
		m.Date = now
	}
	if m.MessageID == "" {
		m.MessageID = fmt.Sprintf("<%v@%v>", uuid.NewString(), domainOf(m.fromAddr.Address))
	}

	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)

	ph := textproto.MIMEHeader{}
	var content []byte
	if isASCII(m.Body) {
		ph.Set("Content-Type", `text/plain; charset="us-ascii"`)
		ph.Set("Content-Transfer-Encoding", "7bit")
		content = []byte(toCRLF(m.Body))
	} else {
		ph.Set("Content-Type", `text/plain; charset="utf-8"`)
		ph.Set("Content-Transfer-Encoding", "quoted-printable")
		var qp bytes.Buffer
		qw := quotedprintable.NewWriter(&qp)
		if _, err := qw.Write([]byte(m.Body)); err != nil {
			return nil, fmt.Errorf("can't encode the message body: %v", err)
		}
		if err := qw.Close(); err != nil {
			return nil, fmt.Errorf("can't encode the message body: %v", err)
		}
		content = qp.Bytes()
	}
	ph.Set("MIME-Version", "1.0")

	pw, err := mw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("can't create the body part: %v", err)
	}
	if _, err := pw.Write(content); err != nil {
		return nil, fmt.Errorf("can't write the body part: %v", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("can't close the multipart body: %v", err)
	}

	var out bytes.Buffer
	writeHeader(&out, "Content-Type", mime.FormatMediaType(
		"multipart/mixed",
		map[string]string{"boundary": mw.Boundary()},
	))
	writeHeader(&out, "MIME-Version", "1.0")
	writeHeader(&out, "From", addressHeader(m.From, m.fromAddr))
	writeHeader(&out, "To", addressHeader(m.To, m.toAddr))
	writeHeader(&out, "Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	writeHeader(&out, "Date", m.Date.Format(time.RFC1123Z))
	writeHeader(&out, "Message-ID", m.MessageID)
	out.WriteString("\r\n")
	out.Write(parts.Bytes())

	return out.Bytes(), nil
}

// addressHeader keeps the address as the user wrote it unless the display
// name needs RFC 2047 encoding.
func addressHeader(raw string, a *mail.Address) string {
	if isASCII(a.Name) {
		return raw
	}
	return a.String()
}

func writeHeader(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

// toCRLF normalizes bare LFs (and stray CRs) to CRLF.
func toCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func domainOf(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return "localhost"
	}
	return addr[i+1:]
}
