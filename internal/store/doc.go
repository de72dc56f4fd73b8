// Package store holds the per-session in-memory view of conversations,
// messages, unread counts, and typing indicators.
package store
