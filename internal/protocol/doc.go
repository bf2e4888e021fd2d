// Package protocol defines the JSON control frames exchanged with the
// recognition service over the audio websocket.
package protocol
