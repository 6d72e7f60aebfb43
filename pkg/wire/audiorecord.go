// ABOUTME: Binary audio record framing for the SendSpin wire protocol
// ABOUTME: Fixed 32-byte little-endian header, version-tagged, plus payload
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BinaryHeaderSize is the fixed header length in bytes.
const BinaryHeaderSize = 32

// CurrentBinaryVersion is the only version this codec emits or accepts.
const CurrentBinaryVersion = 0x01

// Codec tags for the audio record header.
const (
	CodecTagPCM  uint8 = 0
	CodecTagOpus uint8 = 1
	CodecTagFLAC uint8 = 2
)

// ErrUnsupportedBinaryVersion is returned when the header's version byte is
// not CurrentBinaryVersion. Fatal to the session.
var ErrUnsupportedBinaryVersion = errors.New("wire: unsupported binary record version")

// AudioRecord is the decoded form of a binary audio frame.
type AudioRecord struct {
	Version        uint8
	CodecTag       uint8
	Channels       uint8
	SampleRateHz   uint32
	StreamID       uint32
	ChunkSeq       uint64
	TargetServerUs int64
	Payload        []byte
}

// EncodeAudioRecord serializes rec into the fixed 32-byte header followed by
// its payload. Encoding is infallible for records this package produces.
func EncodeAudioRecord(rec AudioRecord) []byte {
	buf := make([]byte, BinaryHeaderSize+len(rec.Payload))

	buf[0] = CurrentBinaryVersion
	buf[1] = rec.CodecTag
	buf[2] = rec.Channels
	buf[3] = 0 // reserved
	binary.LittleEndian.PutUint32(buf[4:8], rec.SampleRateHz)
	binary.LittleEndian.PutUint32(buf[8:12], rec.StreamID)
	binary.LittleEndian.PutUint64(buf[12:20], rec.ChunkSeq)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(rec.TargetServerUs))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(rec.Payload)))
	copy(buf[BinaryHeaderSize:], rec.Payload)

	return buf
}

// DecodeAudioRecord parses a binary audio frame. An unrecognized version byte
// is fatal (ErrUnsupportedBinaryVersion); a truncated header or payload is
// reported as a MalformedError.
func DecodeAudioRecord(data []byte) (AudioRecord, error) {
	if len(data) < BinaryHeaderSize {
		return AudioRecord{}, &MalformedError{Field: "header", Kind: fmt.Sprintf("at least %d bytes", BinaryHeaderSize)}
	}

	version := data[0]
	if version != CurrentBinaryVersion {
		return AudioRecord{}, fmt.Errorf("wire: version %d: %w", version, ErrUnsupportedBinaryVersion)
	}

	payloadLen := binary.LittleEndian.Uint32(data[28:32])
	if uint32(len(data)-BinaryHeaderSize) < payloadLen {
		return AudioRecord{}, &MalformedError{Field: "payload_len", Kind: "consistent with frame length"}
	}

	rec := AudioRecord{
		Version:        version,
		CodecTag:       data[1],
		Channels:       data[2],
		SampleRateHz:   binary.LittleEndian.Uint32(data[4:8]),
		StreamID:       binary.LittleEndian.Uint32(data[8:12]),
		ChunkSeq:       binary.LittleEndian.Uint64(data[12:20]),
		TargetServerUs: int64(binary.LittleEndian.Uint64(data[20:28])),
		Payload:        append([]byte(nil), data[BinaryHeaderSize:BinaryHeaderSize+payloadLen]...),
	}

	return rec, nil
}
