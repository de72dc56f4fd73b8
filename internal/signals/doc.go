// Package signals emits the local party's typing and read-receipt signals
// with throttling.
package signals
