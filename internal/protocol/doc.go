// Package protocol defines the JSON envelope exchanged over the real-time
// channel and its validation rules.
package protocol
