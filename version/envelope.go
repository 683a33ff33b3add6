package version

import (
	"bytes"
	"encoding/binary"

	"github.com/wippyai/module-runtime/errors"
)

var magic = []byte("MRST")

const headerSize = 12

// Seal tags a state payload with the data layout it was produced under.
//
//	+------+-----------------+---------+
//	| MRST | tag (u64, BE)   | payload |
//	+------+-----------------+---------+
func Seal(tag Tag, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	copy(buf, magic)
	binary.BigEndian.PutUint64(buf[4:headerSize], uint64(tag))
	copy(buf[headerSize:], payload)
	return buf
}

// Open splits a sealed buffer into its tag and payload. The payload aliases buf.
func Open(buf []byte) (Tag, []byte, error) {
	if len(buf) < headerSize {
		return 0, nil, errors.InvalidData(errors.PhaseState, nil, "sealed state shorter than header")
	}
	if !bytes.Equal(buf[:4], magic) {
		return 0, nil, errors.InvalidData(errors.PhaseState, nil, "sealed state has no MRST marker")
	}
	return Tag(binary.BigEndian.Uint64(buf[4:headerSize])), buf[headerSize:], nil
}

// OpenExpect opens buf and checks its tag against expected.
func OpenExpect(buf []byte, expected Tag) ([]byte, error) {
	tag, payload, err := Open(buf)
	if err != nil {
		return nil, err
	}
	if err := Check(expected, tag); err != nil {
		return nil, err
	}
	return payload, nil
}
