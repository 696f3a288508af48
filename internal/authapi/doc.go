// Package authapi is the typed HTTP client for the remote authentication
// service: login, signup, email OTP verification, federated sign-in and the
// two-factor verify/resend/email-fallback endpoints.
//
// Every call returns either a decoded response or an *Error carrying the
// HTTP status and whatever structured payload the server sent. Callers in
// clinicauth map those into the user-facing error taxonomy.
//
// # What this package must NOT do
//
//   - Retry requests or compute backoff.
//   - Log request or response bodies (they carry passwords, codes and tokens).
package authapi
