// Package types defines the core data structures of the BlockChat ledger.
//
// # Core Types
//
// Transaction: A signed ledger operation from one sender. Its kind is one of
// Coin (transfer), Message (text for a recipient) or Stake (bond balance).
// Transactions carry a per-sender nonce that must advance by exactly one.
//
// Block: A batch of transactions with a timestamp, the producing validator's
// public key and the parent block hash. The genesis block's parent is the
// all-zero hash.
//
// Account: Balance, stake and last applied nonce of one public key.
//
// ValidatorSet: The fixed set of known peers with their current stakes.
// SelectLeader elects one validator per round by a stake-weighted draw.
//
// # Keys and Signatures
//
// Keys are RSA. A public key is stored as its PKCS#1 DER encoding and is
// also the account address. Signatures are RSA-PSS over a SHA-256 digest.
//
// # Hashing
//
// Transaction and block hashes are SHA-256 over a canonical cramberry
// encoding of the signed fields. Hashes are always recomputed from contents
// on receipt; a carried hash is never trusted.
//
// # Serialization
//
// EncodeBlock/DecodeBlock and EncodeTransaction/DecodeTransaction produce the
// binary form used for storage, the WAL and peer messages. JSON (hex for
// keys, hashes and signatures) is used by the HTTP API.
//
// # Usage Example
//
//	key, _ := types.GenerateKey(types.DefaultKeyBits)
//	tx := types.NewTransaction(key.PublicKey(), types.CoinKind(100, recipient), 1)
//	if err := tx.Sign(key); err != nil {
//	    return err
//	}
//	err := tx.ValidateBasic()
package types
