package codec

import (
	"bytes"
	"fmt"

	mpack "github.com/hashicorp/go-msgpack/codec"
)

// msgpackHandle mirrors the handle construction used by hashicorp/serf's
// RPC client (client/rpc_client.go): RawToString decodes msgpack raw/bin
// values as Go strings where possible, and WriteExt allows struct tags to
// drive the encoding of extension types. tunnelctl tags its wire structs
// with `codec:"..."` the same way.
var msgpackHandle = &mpack.MsgpackHandle{RawToString: true, WriteExt: true}

// Msgpack is the compact, self-describing binary serializer used by the
// control connection. Field names travel on the wire as msgpack map
// keys, so any map- or struct-shaped Go value round-trips without a
// shared schema.
type Msgpack struct{}

// Encode serializes v. Per the Serializer contract this cannot fail for
// values this program constructs itself; an error here means a caller
// passed something msgpack cannot represent (e.g. a channel or a func),
// which is a programming mistake, not a runtime condition.
func (Msgpack) Encode(v any) []byte {
	var buf bytes.Buffer
	enc := mpack.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		panic(fmt.Sprintf("codec: msgpack encode of %T failed: %v", v, err))
	}
	return buf.Bytes()
}

func (Msgpack) Decode(data []byte, v any) error {
	dec := mpack.NewDecoder(bytes.NewReader(data), msgpackHandle)
	return dec.Decode(v)
}
