// Package privval holds the node's RSA signing key and guards block
// signatures against equivocation.
//
// A peer elected leader for round h signs exactly one block for h. The last
// signed round and block hash are persisted before a signature is released,
// so a restarted node cannot be tricked into signing a conflicting block for
// a round it already signed. Re-signing the identical block returns the
// cached signature.
//
// FilePV keeps the key in a PKCS#1 PEM file and the sign state in a JSON
// file written with write-then-rename. MemPV keeps both in memory and is
// used by tests and ephemeral nodes.
//
// Transactions carry nonces checked by the ledger, so SignTransaction only
// checks that the transaction belongs to this signer.
package privval
