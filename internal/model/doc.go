// Package model defines the domain types shared across the client:
// conversations, messages, notifications, and the delivery-state
// progression sent → delivered → read.
package model
