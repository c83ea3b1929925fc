// Package engine runs BlockChat's round state machine on top of a chain.Chain.
//
// Each round produces the block at the current chain height. The engine steps
// through:
//
//	Idle → Leading | Following → Committed → Idle
//
// # Core Components
//
// Engine: Lifecycle wrapper. Creates and broadcasts local transactions and
// exposes round, peer and sync status to the API.
//
// ConsensusState: The single goroutine that owns the round. The leader
// proposes as soon as the mempool can fill a block, or when the propose
// timeout fires with a partial block. Followers apply the leader's block and
// report stalled rounds on the follow timeout without ever producing one.
//
// TimeoutTicker: Delivers propose and follow timeouts. Scheduling a timeout
// replaces the pending one.
//
// PeerSet: Tracks the height and tip each peer announced in Status messages.
//
// BlockSyncer: Fetches missed blocks with BlockRequest messages from peers
// that announced a greater height and hands them back in height order.
//
// Blocks that fail validation are dropped, counted by reason and fed to the
// evidence pool, which reports a validator that signed two blocks on one parent.
//
// # Usage Example
//
//	ch, _ := chain.New(genesis, capacity, chain.Options{Signer: pv})
//	eng := engine.NewEngine(engine.DefaultConfig(), ch, transport, nil)
//	eng.SetLogger(logger)
//	if err := eng.Start(); err != nil {
//	    return err
//	}
//	defer eng.Stop()
//
//	tx, err := eng.CreateTransaction(ctx, types.CoinKind(100, recipient))
//
// # Thread Safety
//
// All public methods are thread-safe. Chain mutations are serialized by the
// chain's own lock, so API handlers and the engine goroutine can share it.
package engine
