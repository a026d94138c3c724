package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sushant-115/gojodb-txncoord/core/transaction"
)

// LSN is the sequence number of a log record. The first record is LSN 1.
type LSN uint64

const InvalidLSN LSN = 0

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeParticipants LogRecordType = iota + 1 // Participant list of a coordinator
	LogRecordTypeDecision                              // Durable commit/abort decision
	LogRecordTypeForget                                // Coordinator finished, document removed
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeParticipants:
		return "PARTICIPANTS"
	case LogRecordTypeDecision:
		return "DECISION"
	case LogRecordTypeForget:
		return "FORGET"
	}
	return fmt.Sprintf("LogRecordType(%d)", byte(t))
}

// ErrCorruptRecord is returned for a record whose checksum does not match.
var ErrCorruptRecord = errors.New("wal: corrupt log record")

// Frame layout, little endian:
//
//	length uint32 | crc32 uint32 | body
//
// with body
//
//	lsn uint64 | type byte | session [16]byte | txnNumber int64 | payloadLen uint32 | payload
const (
	frameHeaderSize = 4 + 4
	bodyFixedSize   = 8 + 1 + 16 + 8 + 4
	maxRecordSize   = 16 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// LogRecord represents a single entry in the coordinator log. Payload holds
// the JSON encoded participants or decision.
type LogRecord struct {
	LSN     LSN
	Type    LogRecordType
	Key     transaction.TxnKey
	Payload []byte
}

// Size returns the number of bytes the record occupies on disk.
func (lr *LogRecord) Size() int {
	return frameHeaderSize + bodyFixedSize + len(lr.Payload)
}

// Serialize encodes the record as a checksummed frame.
func (lr *LogRecord) Serialize() ([]byte, error) {
	if lr.Size() > maxRecordSize {
		return nil, fmt.Errorf("wal: record of %d bytes exceeds limit %d", lr.Size(), maxRecordSize)
	}
	body := new(bytes.Buffer)
	body.Grow(bodyFixedSize + len(lr.Payload))
	_ = binary.Write(body, binary.LittleEndian, uint64(lr.LSN))
	body.WriteByte(byte(lr.Type))
	body.Write(lr.Key.SessionID[:])
	_ = binary.Write(body, binary.LittleEndian, int64(lr.Key.TxnNumber))
	_ = binary.Write(body, binary.LittleEndian, uint32(len(lr.Payload)))
	body.Write(lr.Payload)

	frame := make([]byte, frameHeaderSize, frameHeaderSize+body.Len())
	binary.LittleEndian.PutUint32(frame[0:4], uint32(body.Len()))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(body.Bytes(), crcTable))
	return append(frame, body.Bytes()...), nil
}

// Deserialize decodes a frame body that has already passed its checksum.
func (lr *LogRecord) Deserialize(body []byte) error {
	if len(body) < bodyFixedSize {
		return fmt.Errorf("%w: body of %d bytes is too short", ErrCorruptRecord, len(body))
	}
	lr.LSN = LSN(binary.LittleEndian.Uint64(body[0:8]))
	lr.Type = LogRecordType(body[8])
	copy(lr.Key.SessionID[:], body[9:25])
	lr.Key.TxnNumber = transaction.TxnNumber(binary.LittleEndian.Uint64(body[25:33]))
	payloadLen := binary.LittleEndian.Uint32(body[33:37])
	if int(payloadLen) != len(body)-bodyFixedSize {
		return fmt.Errorf("%w: payload length %d does not match body", ErrCorruptRecord, payloadLen)
	}
	lr.Payload = append([]byte(nil), body[bodyFixedSize:]...)
	return nil
}

// readLogRecord reads one frame. It returns io.EOF at a clean end of the
// segment and io.ErrUnexpectedEOF for a torn final frame.
func readLogRecord(reader *bufio.Reader, lr *LogRecord) error {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if length > maxRecordSize {
		return fmt.Errorf("%w: frame length %d", ErrCorruptRecord, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(reader, body); err != nil {
		return io.ErrUnexpectedEOF
	}
	if crc32.Checksum(body, crcTable) != sum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	return lr.Deserialize(body)
}
