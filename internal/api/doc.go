// Package api implements the pull side of the delivery model: the
// idempotent REST interface used for authoritative fetches and as the
// fallback while the live channel is down.
package api
