package email

// email is responsible for composing a MIME multipart test message and
// handing it to an SMTP relay, including connecting to the server,
// negotiating TLS and authentication, and optionally signing the message with
// DKIM. It does not decide what the message says; callers supply the header
// values and body.
