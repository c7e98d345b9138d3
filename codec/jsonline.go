package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONLine is the textual, line-delimited serializer used by the
// singleton channel: each value is encoded as one JSON object followed
// by a trailing newline, matching how the singleton channel's readers
// split the stream on '\n'.
type JSONLine struct{}

func (JSONLine) Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("codec: json encode of %T failed: %v", v, err))
	}
	return append(b, '\n')
}

func (JSONLine) Decode(data []byte, v any) error {
	return json.Unmarshal(bytes.TrimRight(data, "\r\n"), v)
}
