package storage

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

const (
	frameEnd        = '\n'
	frameCompressed = 's'
)

// encodeFrame writes a page record as it's stored in a zone: the CBOR
// record, optionally snappy-compressed behind a marker byte, and a
// trailing newline.
func encodeFrame(rec any, compress bool) ([]byte, error) {
	b, err := encode(rec)
	if err != nil {
		return nil, err
	}
	if compress {
		var buf bytes.Buffer
		buf.Grow(snappy.MaxEncodedLen(len(b)) + 2)
		buf.WriteByte(frameCompressed)
		buf.Write(snappy.Encode(nil, b))
		buf.WriteByte(frameEnd)
		return buf.Bytes(), nil
	}
	return append(b, frameEnd), nil
}

// decodeFrame reverses encodeFrame. A CBOR array never starts with the
// compression marker, so frames written with and without compression can
// be mixed within a zone.
func decodeFrame(frame []byte, rec any) error {
	if len(frame) < 2 || frame[len(frame)-1] != frameEnd {
		return errors.Errorf("truncated page frame of %d bytes", len(frame))
	}
	body := frame[:len(frame)-1]
	if body[0] == frameCompressed {
		b, err := snappy.Decode(nil, body[1:])
		if err != nil {
			return errors.Wrap(err, "failed to decompress page frame")
		}
		body = b
	}
	return decode(body, rec)
}
