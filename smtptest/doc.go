package smtptest

// smtptest runs an SMTP relay inside the test process so tests can inspect
// the envelopes and payloads the application hands it.
