/*
Package chain holds the node's single shared view of the ledger.

A Chain combines the committed ledger state, the mempool, the block store
and the write-ahead log behind one RWMutex. The consensus engine, the peer
receive loops and the HTTP API all share one *Chain.

# Commit path

Every block, whether proposed locally or received from a peer, goes through
the same steps while the write lock is held:

 1. state.ApplyBlock validates it against a shadow copy of the ledger
 2. the block is written to the WAL and synced
 3. the block is saved to the block store at its height
 4. the new state is published and the mempool drops included and stale
    transactions
 5. an end-height marker is written, followed by the still pending
    transactions

A rejected block leaves every one of these untouched.

# Recovery

Recover re-applies the stored blocks from height 1, verifying each one, then
reads the WAL after the marker for the stored height. A block that was
logged but never stored is committed; logged transactions go back into the
mempool.
*/
package chain
