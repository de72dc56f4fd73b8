// Package dedupe provides a time-based seen-key cache used to suppress
// channel echoes of already-applied messages.
package dedupe
