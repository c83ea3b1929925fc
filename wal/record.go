package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// maxRecordSize bounds one record; a full block is the largest.
const maxRecordSize = 16 << 20

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// writeRecord frames msg as length, payload and checksum, and returns the
// number of bytes written.
func writeRecord(w io.Writer, msg *Message) (int, error) {
	payload, err := msg.MarshalCramberry()
	if err != nil {
		return 0, err
	}
	if len(payload) > maxRecordSize {
		return 0, fmt.Errorf("WAL record too large: %d bytes", len(payload))
	}

	frame := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	binary.BigEndian.PutUint32(frame[4+len(payload):], crc32.Checksum(payload, crcTable))
	return w.Write(frame)
}

// readRecord reads one framed record. It returns io.EOF at a clean record
// boundary and io.ErrUnexpectedEOF for a torn record.
func readRecord(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxRecordSize {
		return nil, fmt.Errorf("%w: record length %d", ErrWALCorrupted, n)
	}

	frame := make([]byte, int(n)+4)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	payload := frame[:n]
	if got, want := crc32.Checksum(payload, crcTable), binary.BigEndian.Uint32(frame[n:]); got != want {
		return nil, fmt.Errorf("%w: checksum %08x, want %08x", ErrWALCorrupted, got, want)
	}

	msg := new(Message)
	if err := msg.UnmarshalCramberry(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	return msg, nil
}
