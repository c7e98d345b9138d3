// Package codec provides the serialization layer for tunnelctl.
//
// It defines a pluggable Serializer interface with two implementations:
//   - Msgpack:  a compact, self-describing binary format used by the
//     control connection.
//   - JSONLine: a textual, line-delimited format used by the singleton
//     channel.
//
// The rpc package is written against the Serializer interface only, so
// the same dispatcher skeleton serves both connection kinds instead of
// being duplicated per wire format.
package codec

// Serializer is the interface for serialization/deserialization.
// Encode is infallible by contract: a value this program constructed
// itself must always be representable, so a failure here is a
// programming error, not a recoverable runtime condition.
type Serializer interface {
	Encode(v any) []byte
	Decode(data []byte, v any) error
}
