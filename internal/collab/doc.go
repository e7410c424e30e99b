// Package collab runs ability collaborations between a source and a sink
// device. Each collaboration is a Context with its own event goroutine and
// state machine; the Manager owns every Context, routes inbound commands
// from the transport to them, and arms their timeouts.
package collab
