// Package channel maintains the websocket connection to the real-time
// channel service, including heartbeat and bounded reconnection.
package channel
