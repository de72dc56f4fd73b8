// Package session models one side of a live-chat connection (agent or
// visitor) and the auth token it presents.
package session
