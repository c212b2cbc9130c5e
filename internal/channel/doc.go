// Package channel implements the Connection Manager component.
//
// The Manager:
//   - Owns the single duplex channel for an authenticated session
//   - Drives the lifecycle state machine (disconnected, connecting,
//     connected, reconnecting, offline, failed)
//   - Retries with a fixed backoff schedule, then parks in failed
//   - Emits the advisory heartbeat while connected
//   - Dispatches inbound events to subscribers, one at a time
package channel
