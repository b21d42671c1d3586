// Package identity establishes the authoritative session.
//
// Reconciler runs once per process: it validates the persisted token against
// the backend and follows the federated provider's auth-state stream, with a
// provider sign-out always winning. Manager carries the user-initiated
// session actions (login, register, logout) and the global 401 handling.
package identity
