// Package session persists an authenticated session in two client-side
// stores at once: a cookie store that is visible to the network (the cookie
// jar shared with the Auth API HTTP client) and a resident key/value store.
//
// # Consistency contract
//
// [Store] treats both stores as one record. Save either leaves both stores
// holding the new token and user or rolls the cookies back and reports
// [ErrPersist]. Load never returns a half-present or mismatched pair: such
// state is cleared from both stores and reported as [ErrInconsistent].
// Clear removes both and is idempotent.
//
// # What this package must NOT do
//
//   - Interpret the user payload (it is opaque serialized JSON here).
//   - Import clinicauth.
package session
