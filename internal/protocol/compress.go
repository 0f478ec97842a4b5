package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// maxInflateRatio bounds how far an inflate stream may expand relative to
// its compressed input before it is treated as a zip bomb.
const maxInflateRatio = 100

func deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate decompresses a DEFLATE stream, rejecting output larger than cap
// bytes or larger than maxInflateRatio times the compressed input.
func inflate(data []byte, capBytes int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty inflate stream")
	}
	limit := capBytes
	if ratio := len(data) * maxInflateRatio; ratio < limit {
		limit = ratio
	}

	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if n > int64(limit) {
		return nil, fmt.Errorf("decompressed size exceeds %d bytes", limit)
	}
	return buf.Bytes(), nil
}
