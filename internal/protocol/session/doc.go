// Package session owns long-link timing and reconnect policy primitives.
//
// Ownership boundary:
// - connect/write timeouts and queue sizing for one long-link
// - retry backoff for callers that reconnect after ConnectFail
//
// The engine itself never retries; backoff is consumed by callers.
package session
