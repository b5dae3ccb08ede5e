package dispatch

import (
	"bytes"
	"context"
	"errors"
	"net/mail"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptgott/testmail/email"
	"github.com/ptgott/testmail/storage"
	"github.com/ptgott/testmail/userconfig"
)

var fixedNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeSender struct {
	err  error
	from string
	to   []string
	msg  []byte
	n    int
}

func (f *fakeSender) Send(_ context.Context, from string, to []string, msg []byte) error {
	f.n++
	f.from, f.to, f.msg = from, to, msg
	return f.err
}

func defaultMeta(t *testing.T) *userconfig.Meta {
	t.Helper()
	var m userconfig.Meta
	c, err := m.CheckAndSetDefaults()
	require.NoError(t, err)
	return &c
}

func TestRunSendsOnceAndReports(t *testing.T) {
	var out bytes.Buffer
	fs := &fakeSender{}

	err := Run(context.Background(), defaultMeta(t), &Config{
		OutputWr: &out,
		Sender:   fs,
		Now:      func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	assert.Equal(t, SuccessMessage+"\n", out.String())
	assert.Equal(t, 1, fs.n)
	assert.Equal(t, email.DefaultFromAddress, fs.from)
	assert.Equal(t, []string{email.DefaultToAddress}, fs.to)

	msg, err := mail.ReadMessage(bytes.NewReader(fs.msg))
	require.NoError(t, err)
	assert.Equal(t, email.DefaultSubject, msg.Header.Get("Subject"))
	assert.Equal(t, fixedNow.Format(time.RFC1123Z), msg.Header.Get("Date"))
}

func TestRunReportsNothingOnFailure(t *testing.T) {
	var out bytes.Buffer
	fs := &fakeSender{err: errors.New("relay said no")}

	err := Run(context.Background(), defaultMeta(t), &Config{
		OutputWr: &out,
		Sender:   fs,
	})
	require.Error(t, err)
	assert.Empty(t, out.String(), "nothing should be printed if the send fails")
}

func TestRunDryRun(t *testing.T) {
	var out bytes.Buffer
	fs := &fakeSender{}

	m := defaultMeta(t)
	m.DryRun = true

	err := Run(context.Background(), m, &Config{
		OutputWr: &out,
		Sender:   fs,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, fs.n, "a dry run must not send")

	msg, err := mail.ReadMessage(&out)
	require.NoError(t, err)
	assert.Equal(t, email.DefaultToAddress, msg.Header.Get("To"))
	assert.NotContains(t, out.String(), SuccessMessage)
}

func TestRunRecordsReceipt(t *testing.T) {
	db, err := storage.Open(&storage.KVConfig{
		StorageDirPath: t.TempDir(),
		KeyTTLDuration: time.Hour,
	})
	require.NoError(t, err)
	defer db.Close()

	var out bytes.Buffer
	fs := &fakeSender{}

	err = Run(context.Background(), defaultMeta(t), &Config{
		OutputWr: &out,
		Sender:   fs,
		History:  db,
		Now:      func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(fs.msg))
	require.NoError(t, err)
	id := msg.Header.Get("Message-ID")

	r, err := LookupReceipt(db, id)
	require.NoError(t, err)
	assert.Equal(t, id, r.MessageID)
	assert.Equal(t, email.DefaultFromAddress, r.From)
	assert.Equal(t, email.DefaultToAddress, r.To)
	assert.Equal(t, email.DefaultSubject, r.Subject)
	assert.Equal(t, email.DefaultRelayAddress, r.Relay)
	assert.Equal(t, len(fs.msg), r.Size)
	assert.True(t, fixedNow.Equal(r.SentAt))
}

func TestRunWithoutHistory(t *testing.T) {
	var out bytes.Buffer
	err := Run(context.Background(), defaultMeta(t), &Config{
		OutputWr: &out,
		Sender:   &fakeSender{},
		History:  &storage.NoOpDB{},
	})
	require.NoError(t, err)
	assert.Equal(t, SuccessMessage+"\n", out.String())
}

func TestRunNeedsOutput(t *testing.T) {
	err := Run(context.Background(), defaultMeta(t), &Config{Sender: &fakeSender{}})
	assert.Error(t, err)
}
