// Package rest is the client for the Talkrix backend API, the authoritative
// store for conversations and messages.
package rest
