package blockstore

import "encoding/binary"

// Key prefixes shared by the persistent backends.
var (
	prefixHeight  = []byte("H:") // Height -> Hash mapping
	prefixBlock   = []byte("B:") // Hash -> Block data mapping
	keyMetaHeight = []byte("M:height")
)

func makeHeightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func makeBlockKey(hash []byte) []byte {
	key := make([]byte, len(prefixBlock)+len(hash))
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash)
	return key
}

func makeBlockValue(height uint64, data []byte) []byte {
	value := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(value[:8], height)
	copy(value[8:], data)
	return value
}

func parseBlockValue(value []byte) (height uint64, data []byte) {
	if len(value) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(value[:8]), value[8:]
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
