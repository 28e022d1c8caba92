package connection

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// decompress inflates gzip, zlib or raw deflate frames. JSON and other
// printable text frames are returned unchanged; anything else must inflate as
// raw deflate or the frame is rejected.
func decompress(frame []byte) ([]byte, error) {
	switch {
	case len(frame) >= 2 && frame[0] == 0x1f && frame[1] == 0x8b:
		r, err := gzip.NewReader(bytes.NewReader(frame))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case isZlibHeader(frame):
		r, err := zlib.NewReader(bytes.NewReader(frame))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case len(frame) > 0 && (frame[0] == '{' || frame[0] == '['), isPrintable(frame):
		return frame, nil
	}

	r := flate.NewReader(bytes.NewReader(frame))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate %d byte frame: %w", len(frame), err)
	}
	return out, nil
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

func isZlibHeader(b []byte) bool {
	if len(b) < 2 || b[0]&0x0f != 8 {
		return false
	}
	return (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
