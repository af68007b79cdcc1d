// Package compress implements the §4.7 LZ4 wrapper: one LZ4 frame per
// packet, enabled per spec §6 on the main/advanced profiles. Grounded on
// nishisan-dev-n-backup's use of klauspost/compress for its archive
// pipeline; here wired to per-packet framing instead of whole-file
// streams.
package compress

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/lz4"
)

// ErrMalformedFrame is returned when decompression fails; the caller
// (the receiver's data-packet handler) drops the packet as spec §4.7's
// MalformedPacket.
var ErrMalformedFrame = errors.New("rist/compress: malformed lz4 frame")

// Compress wraps payload in a single LZ4 frame.
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress unwraps a single LZ4 frame produced by Compress.
func Decompress(frame []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(frame))
	out, err := readAll(r)
	if err != nil {
		return nil, ErrMalformedFrame
	}
	return out, nil
}

func readAll(r *lz4.Reader) ([]byte, error) {
	var out bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out.Bytes(), nil
			}
			return nil, err
		}
	}
}
