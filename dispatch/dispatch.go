// Package dispatch runs the application's single job: compose one test
// message, hand it to the relay, and report the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v2"

	"github.com/ptgott/testmail/email"
	"github.com/ptgott/testmail/storage"
	"github.com/ptgott/testmail/userconfig"
)

// SuccessMessage is written to the output once the relay has accepted the
// message.
const SuccessMessage = "Email sent!"

// Sender hands a composed message to a relay. *email.SMTPClient implements
// it.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// Config holds what Run needs beyond the validated user configuration.
type Config struct {
	// Receives SuccessMessage, or the raw message on a dry run
	OutputWr io.Writer
	// Where receipts go. Use a *storage.NoOpDB to skip recording.
	History storage.KeyValue
	// If nil, Run builds an *email.SMTPClient from the user configuration
	Sender Sender
	// If nil, time.Now
	Now func() time.Time
}

// Receipt summarizes a message the relay accepted. It's what we store in
// the send history, keyed by message ID.
type Receipt struct {
	MessageID string    `yaml:"messageID"`
	From      string    `yaml:"from"`
	To        string    `yaml:"to"`
	Subject   string    `yaml:"subject"`
	Relay     string    `yaml:"relay"`
	SentAt    time.Time `yaml:"sentAt"`
	Size      int       `yaml:"size"`
}

// Run composes and sends one message according to m, which must have passed
// CheckAndSetDefaults. SuccessMessage is written only if the send succeeds.
func Run(ctx context.Context, m *userconfig.Meta, c *Config) error {
	if c.OutputWr == nil {
		return errors.New("no output writer configured")
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	history := c.History
	if history == nil {
		history = &storage.NoOpDB{}
	}

	es := m.EmailSettings
	msg, err := email.NewMessage(es.FromAddress, es.ToAddress, es.Subject, es.Body)
	if err != nil {
		return fmt.Errorf("can't build the message: %v", err)
	}

	raw, err := msg.Compose(now())
	if err != nil {
		return fmt.Errorf("can't compose the message: %v", err)
	}

	signer, err := es.DKIMSigner()
	if err != nil {
		return err
	}
	if signer != nil {
		raw, err = signer.Sign(raw)
		if err != nil {
			return err
		}
		log.Debug().Str("selector", es.DKIMSelector).Msg("signed the message with DKIM")
	}

	if m.DryRun {
		_, err := c.OutputWr.Write(raw)
		return err
	}

	sender := c.Sender
	if sender == nil {
		sc, err := email.NewSMTPClient(es)
		if err != nil {
			return fmt.Errorf("can't set up the SMTP client: %v", err)
		}
		sender = sc
	}

	log.Info().
		Str("relay", es.RelayAddress).
		Str("messageID", msg.MessageID).
		Msg("sending the test message")

	if err := sender.Send(ctx, msg.EnvelopeFrom(), msg.EnvelopeTo(), raw); err != nil {
		return err
	}

	record(history, Receipt{
		MessageID: msg.MessageID,
		From:      msg.From,
		To:        msg.To,
		Subject:   msg.Subject,
		Relay:     es.RelayAddress,
		SentAt:    now(),
		Size:      len(raw),
	})

	_, err = fmt.Fprintln(c.OutputWr, SuccessMessage)
	return err
}

// record stores r in the send history. The message is already delivered, so
// failures here are only logged.
func record(kv storage.KeyValue, r Receipt) {
	b, err := yaml.Marshal(r)
	if err != nil {
		log.Warn().Err(err).Msg("can't encode the send receipt")
		return
	}
	err = kv.Put(storage.KVEntry{Key: []byte(r.MessageID), Value: b})
	if errors.Is(err, storage.ErrNoOp) {
		log.Debug().Msg("send history is disabled, not recording the receipt")
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("can't record the send receipt")
	}
}

// LookupReceipt reads a receipt from the send history by message ID.
func LookupReceipt(kv storage.KeyValue, messageID string) (Receipt, error) {
	e, err := kv.Read([]byte(messageID))
	if err != nil {
		return Receipt{}, err
	}
	var r Receipt
	if err := yaml.Unmarshal(e.Value, &r); err != nil {
		return Receipt{}, fmt.Errorf("can't decode the receipt for %v: %v", messageID, err)
	}
	return r, nil
}
