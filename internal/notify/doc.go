// Package notify maintains the session-wide notification feed. It
// mirrors the chatsync synchronizers: push handlers while connected,
// fallback polling while not, one shared deduplicated state either way.
package notify
