// Package chatsync keeps conversation state consistent across the two
// delivery paths: real-time push over the channel and fallback polling
// over REST. The synchronizers own deduplication, ordering, and the
// poll/push handoff; views consume snapshots through callbacks.
package chatsync
