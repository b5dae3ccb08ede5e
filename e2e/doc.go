package e2e

// e2e contains integration tests that run the whole send flow against an
// in-process SMTP relay. Note that the relay itself lives in smtptest, since
// unit tests use it too.
