package eventlog

import (
	"encoding/binary"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/pebblestore"
)

// Keyspace for one log. Variable segments are length prefixed so that no
// store, namespace, type or source value can produce a colliding prefix.
//
//	log/{store}{namespace}{sequence} m                     next sequence number
//	log/{store}{namespace}{sequence} e {seq_be8}           record
//	log/{store}{namespace}{sequence} t {type} {seq_be8}    type index, value = source
//	log/{store}{namespace}{sequence} s {source} {seq_be8}  source index, value = type

var logPrefix = []byte("log/")

const (
	tagMeta   = 'm'
	tagEntry  = 'e'
	tagType   = 't'
	tagSource = 's'
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendSegment(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

type keyspace struct {
	base []byte
}

func newKeyspace(id SequenceID) keyspace {
	k := append([]byte(nil), logPrefix...)
	k = appendSegment(k, id.Store)
	k = appendSegment(k, id.Namespace)
	k = appendSegment(k, id.Sequence)
	return keyspace{base: k}
}

func (ks keyspace) with(tag byte, extra int) []byte {
	k := make([]byte, 0, len(ks.base)+1+extra)
	k = append(k, ks.base...)
	return append(k, tag)
}

func (ks keyspace) meta() []byte {
	return ks.with(tagMeta, 0)
}

func (ks keyspace) entryPrefix() []byte {
	return ks.with(tagEntry, 8)
}

func (ks keyspace) entry(seq SequenceNumber) []byte {
	return appendBE8(ks.entryPrefix(), uint64(seq))
}

func (ks keyspace) typePrefix(t EventTypeID) []byte {
	return appendSegment(ks.with(tagType, len(t)+18), string(t))
}

func (ks keyspace) typeIndex(t EventTypeID, seq SequenceNumber) []byte {
	return appendBE8(ks.typePrefix(t), uint64(seq))
}

func (ks keyspace) sourcesPrefix() []byte {
	return ks.with(tagSource, 0)
}

func (ks keyspace) sourcePrefix(s SourceKey) []byte {
	return appendSegment(ks.with(tagSource, len(s)+18), string(s))
}

func (ks keyspace) sourceIndex(s SourceKey, seq SequenceNumber) []byte {
	return appendBE8(ks.sourcePrefix(s), uint64(seq))
}

// parseSourceIndex extracts the source key from a source index key.
func (ks keyspace) parseSourceIndex(key []byte) (SourceKey, bool) {
	rest := key[len(ks.base)+1:]
	n, w := binary.Uvarint(rest)
	if w <= 0 || uint64(len(rest)-w) < n+8 {
		return "", false
	}
	return SourceKey(rest[w : w+int(n)]), true
}

// seqSuffix reads the trailing big-endian sequence number of an index or entry key.
func seqSuffix(key []byte) SequenceNumber {
	return SequenceNumber(binary.BigEndian.Uint64(key[len(key)-8:]))
}

func upperBound(prefix []byte) []byte {
	return pebblestore.PrefixUpperBound(prefix)
}
