// Package session holds the single client-side session of the eLaw runtime.
//
// The Store owns the current user, the backend bearer token and the derived
// role. It persists the token to an expiring TokenStore (the "auth_token"
// record, 7-day TTL) and mirrors the full login payload to a PayloadStore
// (the "legal_user_token" record) for offline rehydration.
//
// The Store never performs network I/O. Reconciliation against the backend and
// the federated identity provider lives in package identity.
package session
