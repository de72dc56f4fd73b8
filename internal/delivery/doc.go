// Package delivery orchestrates optimistic message sends across the
// real-time channel and the authoritative REST write.
package delivery
