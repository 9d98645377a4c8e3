// Package server implements the chatwire chat service: a TCP listener with a
// fixed number of client slots, room-based broadcasting, private messages,
// and server-relayed file transfers with bounded concurrency.
package server
