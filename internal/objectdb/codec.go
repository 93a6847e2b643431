package objectdb

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses encoded objects. Every blob starts with one byte naming
// the codec it was written with, so changing the configured codec never
// makes existing blobs unreadable.
type Codec byte

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecLZ4
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// ParseCodec maps a configuration name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("objectdb: unknown compression %q", name)
	}
}

// encodeBlob prefixes data with the codec byte and compresses it.
func encodeBlob(c Codec, data []byte) ([]byte, error) {
	out := []byte{byte(c)}
	switch c {
	case CodecNone:
		return append(out, data...), nil
	case CodecSnappy:
		return append(out, snappy.Encode(nil, data)...), nil
	case CodecLZ4:
		buf := bytes.NewBuffer(out)
		w := lz4.NewWriter(buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		return buf.Bytes(), nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, out), nil
	default:
		return nil, fmt.Errorf("objectdb: unsupported codec %s", c)
	}
}

// decodeBlob reverses encodeBlob using the codec named by the first byte.
func decodeBlob(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("objectdb: empty blob")
	}
	c, data := Codec(blob[0]), blob[1:]
	switch c {
	case CodecNone:
		return data, nil
	case CodecSnappy:
		return snappy.Decode(nil, data)
	case CodecLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case CodecZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		return io.ReadAll(dec)
	default:
		return nil, fmt.Errorf("objectdb: unsupported codec %s", c)
	}
}
