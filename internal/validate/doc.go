// Package validate holds the local input rules applied before any Auth API
// call: email shape, password length, registration names, phone numbers and
// verification code formats.
//
// # What this package must NOT do
//
//   - Perform I/O.
//   - Import clinicauth (callers translate failures into ValidationError).
package validate
