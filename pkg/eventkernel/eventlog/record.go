package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload).
// The header is JSON; the payload is the event content, zstd compressed when
// it is larger than compressThreshold.

const (
	codecNone = ""
	codecZstd = "zstd"

	compressThreshold = 1024
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type recordHeader struct {
	Type            EventTypeID  `json:"t"`
	Source          SourceKey    `json:"s"`
	OccurredAt      time.Time    `json:"o"`
	Context         EventContext `json:"c"`
	Codec           string       `json:"z,omitempty"`
	Redacted        bool         `json:"r,omitempty"`
	RedactionReason string       `json:"rr,omitempty"`
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return encoder, decoder, codecErr
}

func encodeFrame(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeFrame(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n-4) < hlen {
		return nil, nil, false
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, false
	}
	return header, payload, true
}

// encodeEvent serializes ev for storage.
func encodeEvent(ev *AppendedEvent) ([]byte, error) {
	h := recordHeader{
		Type:            ev.Type,
		Source:          ev.Source,
		OccurredAt:      ev.OccurredAt,
		Context:         ev.Context,
		Redacted:        ev.Redacted,
		RedactionReason: ev.RedactionReason,
	}
	payload := []byte(ev.Content)
	if len(payload) > compressThreshold {
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd codec: %w", err)
		}
		payload = enc.EncodeAll(payload, nil)
		h.Codec = codecZstd
	}
	header, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode record header: %w", err)
	}
	return encodeFrame(header, payload), nil
}

// decodeEvent parses a stored record. The result does not alias b.
func decodeEvent(seq SequenceNumber, b []byte) (AppendedEvent, error) {
	header, payload, ok := decodeFrame(b)
	if !ok {
		return AppendedEvent{}, fmt.Errorf("%w at %d", ErrCorruptRecord, seq)
	}
	var h recordHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return AppendedEvent{}, fmt.Errorf("%w at %d: %v", ErrCorruptRecord, seq, err)
	}

	var content []byte
	switch h.Codec {
	case codecNone:
		if len(payload) > 0 {
			content = append([]byte(nil), payload...)
		}
	case codecZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return AppendedEvent{}, fmt.Errorf("zstd codec: %w", err)
		}
		content, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return AppendedEvent{}, fmt.Errorf("%w at %d: %v", ErrCorruptRecord, seq, err)
		}
	default:
		return AppendedEvent{}, fmt.Errorf("%w at %d: codec %q", ErrCorruptRecord, seq, h.Codec)
	}

	return AppendedEvent{
		SequenceNumber:  seq,
		Type:            h.Type,
		Source:          h.Source,
		OccurredAt:      h.OccurredAt,
		Context:         h.Context,
		Content:         content,
		Redacted:        h.Redacted,
		RedactionReason: h.RedactionReason,
	}, nil
}
