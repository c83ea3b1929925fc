// Package evidence detects equivocating leaders.
//
// Leader election gives each round exactly one eligible producer, so two
// different validly signed blocks from the same validator on the same parent
// can only come from a misbehaving peer. The Pool remembers the most recent
// block per (validator, parent) and produces DuplicateBlockEvidence when a
// conflicting block arrives. Evidence is reported through logs and metrics;
// the ledger has no slashing, so it is not included in blocks.
//
// Remembered blocks older than Config.MaxAgeBlocks rounds are pruned on
// Update, and the total is capped by Config.MaxSeenBlocks.
package evidence
