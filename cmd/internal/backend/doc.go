// Package backend is the REST client for the eLaw backend API.
//
// Every request carries the current bearer token (read live from a
// TokenSource), an X-Request-ID and a 10s default timeout. A 401 on an
// authenticated request invokes the unauthorized hook, which the runtime wires
// to "clear session and navigate to login". Non-2xx responses decode into
// *APIError, whose Messages method expands structured validation payloads.
package backend
