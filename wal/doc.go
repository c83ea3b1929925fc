// Package wal implements a write-ahead log for crash recovery.
//
// A node writes a block record before applying a block and an end-height
// record after the block is stored. Transactions admitted to the mempool are
// logged too, so that pending transactions survive a restart.
//
// # File Format
//
// Each entry is encoded as:
//
//	[4 bytes: length][N bytes: Cramberry-encoded message][4 bytes: CRC-32C]
//
// Segments are rotated by size and named wal-00000, wal-00001 and so on.
// After each commit the chain checkpoints the log one height behind its tip,
// which removes old segments whose records all sit at or below that height.
// Pending transactions are re-logged after every end-height record, so a
// removed segment never holds the only copy of one.
//
// # Recovery
//
// On startup the node looks up the end-height record of the last stored
// block and replays everything after it: a block record for the next height
// is re-applied, and transaction records are resubmitted to the mempool.
//
// FileWAL is safe for concurrent use, but only one instance should write to
// a directory.
package wal
