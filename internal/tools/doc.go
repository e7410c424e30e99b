// Package tools runs host commands on behalf of a collaboration node.
//
// The node never launches abilities itself; a configured launcher command does,
// and tools adapts that command to the collaboration starter hook.
package tools
