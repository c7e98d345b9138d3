package bridge

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// gzipCompress wraps data as one self-contained gzip member. Bridges
// compress per-message rather than maintaining one continuous gzip
// stream across calls (see DESIGN.md open question 2: compression
// statefulness) to avoid needing a long-lived pipe per direction.
func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
