// Package protocol owns the error taxonomy shared by the collaboration wire stack.
//
// Ownership boundary:
// - error classes (invalid parameters, invalid state, protocol mismatch, peer rejected, resource exhausted, encoding)
// - wire result codes and their mapping to error classes
//
// Subpackages own the primitives:
// - buffer: bounded, range-scoped byte storage
// - tlv: typed field primitives
// - frame: session data header pack/unpack
// - schema: required header fields
// - session: fragmenting transport session
package protocol
