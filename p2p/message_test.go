package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/blockchat/internal/testutil"
	"github.com/blockberries/blockchat/types"
)

func TestMessageRoundTrip(t *testing.T) {
	keys := testutil.Keys(t, 2)
	tx := testutil.Tx(t, keys[0], types.CoinKind(42, keys[1].PublicKey()), 1)
	block := types.NewBlock(time.Now().UnixNano(), []*types.Transaction{tx}, keys[0].PublicKey(), types.HashBytes([]byte("parent")))
	require.NoError(t, block.Sign(keys[0]))

	t.Run("transaction", func(t *testing.T) {
		data, err := EncodeMessage(NewTransactionMessage(tx))
		require.NoError(t, err)
		require.Equal(t, byte(MsgTypeTransaction), data[0])

		msg, err := DecodeMessage(data)
		require.NoError(t, err)
		require.Equal(t, MsgTypeTransaction, msg.Type)
		// receivers recompute rather than trust the carried hash
		require.NoError(t, msg.Tx.ValidateBasic())
		require.True(t, types.HashEqual(tx.Hash, msg.Tx.ComputeHash()))
	})

	t.Run("block", func(t *testing.T) {
		data, err := EncodeMessage(NewBlockMessage(block))
		require.NoError(t, err)

		msg, err := DecodeMessage(data)
		require.NoError(t, err)
		require.NoError(t, msg.Block.Verify())
		require.Len(t, msg.Block.Data.Transactions, 1)
		require.NoError(t, msg.Block.Data.Transactions[0].ValidateBasic())
	})

	t.Run("status", func(t *testing.T) {
		data, err := EncodeMessage(NewStatusMessage(7, block.Hash))
		require.NoError(t, err)

		msg, err := DecodeMessage(data)
		require.NoError(t, err)
		require.Equal(t, uint64(7), msg.Height)
		require.True(t, types.HashEqual(block.Hash, msg.Tip))
	})

	t.Run("block request and response", func(t *testing.T) {
		data, err := EncodeMessage(NewBlockRequestMessage(3))
		require.NoError(t, err)
		msg, err := DecodeMessage(data)
		require.NoError(t, err)
		require.Equal(t, MsgTypeBlockRequest, msg.Type)
		require.Equal(t, uint64(3), msg.Height)

		data, err = EncodeMessage(NewBlockResponseMessage(3, block))
		require.NoError(t, err)
		msg, err = DecodeMessage(data)
		require.NoError(t, err)
		require.Equal(t, uint64(3), msg.Height)
		require.NoError(t, msg.Block.Verify())

		data, err = EncodeMessage(NewBlockResponseMessage(9, nil))
		require.NoError(t, err)
		msg, err = DecodeMessage(data)
		require.NoError(t, err)
		require.Nil(t, msg.Block)
	})
}

func TestDecodeMessageErrors(t *testing.T) {
	_, err := DecodeMessage(nil)
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = DecodeMessage([]byte{0xff, 0x01})
	require.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = DecodeMessage(make([]byte, MaxMessageSize+1))
	require.ErrorIs(t, err, ErrMessageTooLarge)

	_, err = EncodeMessage(&Message{Type: MsgTypeBlock})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecodedBlockTamperDetected(t *testing.T) {
	key := testutil.Key(t, 0)
	block := types.NewBlock(1, nil, key.PublicKey(), types.HashBytes([]byte("p")))
	require.NoError(t, block.Sign(key))

	data, err := EncodeMessage(NewBlockMessage(block))
	require.NoError(t, err)
	msg, err := DecodeMessage(data)
	require.NoError(t, err)

	msg.Block.Data.Timestamp++
	require.ErrorIs(t, msg.Block.Verify(), types.ErrInvalidBlockHash)
}
