package tagcache

import (
	"bytes"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/jmgilman/go/errors"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Marker follows the two-character library tag at the start of a compressed
// payload. Payloads without it are stored raw.
const Marker = ":\x1f\x8b"

const (
	LibGzip   = "gzip"
	LibSnappy = "snappy"
	LibZstd   = "zstd"

	DefaultCompressThreshold = 20480
)

// Compressor is one compression library.
type Compressor interface {
	// Tag is the two-character prefix written before Marker.
	Tag() string
	Compress(src []byte, level int) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// Codec applies a Compressor to payloads at or above a size threshold and
// recognises payloads written by any known library.
type Codec struct {
	lib       Compressor
	threshold int
	decoders  map[string]Compressor
}

// NewCodec returns a codec writing with lib. An empty lib picks the preferred
// available library, snappy.
func NewCodec(lib string, threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	gz := zlibCompressor{}
	sn := snappyCompressor{}
	zs := newZstdCompressor()

	c := &Codec{
		threshold: threshold,
		decoders: map[string]Compressor{
			"gz": gz,
			"zc": gz,
			"sn": sn,
			"zs": zs,
		},
	}
	switch lib {
	case "", LibSnappy:
		c.lib = sn
	case LibGzip:
		c.lib = gz
	case LibZstd:
		c.lib = zs
	default:
		return nil, errors.Newf(errors.CodeInvalidConfig, "unsupported compression library %q", lib)
	}
	return c, nil
}

// Lib returns the tag of the library used for writing.
func (c *Codec) Lib() string {
	return c.lib.Tag()
}

// Encode compresses data when level > 0 and len(data) reaches the threshold.
func (c *Codec) Encode(data []byte, level int) ([]byte, error) {
	if level <= 0 || len(data) < c.threshold {
		return data, nil
	}
	compressed, err := c.lib.Compress(data, level)
	if err != nil {
		return nil, errors.Wrapf(ErrCompression, errors.CodeInternal, "%s level %d: %v", c.lib.Tag(), level, err)
	}
	out := make([]byte, 0, len(compressed)+5)
	out = append(out, c.lib.Tag()...)
	out = append(out, Marker...)
	return append(out, compressed...), nil
}

// Decode reverses Encode. Data without a known marker is returned unchanged.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if len(data) < 5 || string(data[2:5]) != Marker {
		return data, nil
	}
	tag := string(data[:2])
	if tag == "lz" {
		return nil, errors.Wrap(ErrCompression, errors.CodeInternal, "lzf payloads cannot be decoded")
	}
	dec, ok := c.decoders[tag]
	if !ok {
		return data, nil
	}
	out, err := dec.Decompress(data[5:])
	if err != nil {
		return nil, errors.Wrapf(ErrCompression, errors.CodeInternal, "decode %s payload: %v", tag, err)
	}
	return out, nil
}

type zlibCompressor struct{}

func (zlibCompressor) Tag() string { return "gz" }

func (zlibCompressor) Compress(src []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCompressor) Decompress(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type snappyCompressor struct{}

func (snappyCompressor) Tag() string { return "sn" }

func (snappyCompressor) Compress(src []byte, _ int) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCompressor) Decompress(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

// zstdCompressor keeps one encoder per level; EncodeAll and DecodeAll are safe
// for concurrent use.
type zstdCompressor struct {
	mu       sync.Mutex
	encoders map[zstd.EncoderLevel]*zstd.Encoder
	decoder  *zstd.Decoder
	initErr  error
	once     sync.Once
}

func newZstdCompressor() *zstdCompressor {
	return &zstdCompressor{encoders: make(map[zstd.EncoderLevel]*zstd.Encoder)}
}

func (*zstdCompressor) Tag() string { return "zs" }

func (z *zstdCompressor) Compress(src []byte, level int) ([]byte, error) {
	lvl := zstd.EncoderLevelFromZstd(level)
	z.mu.Lock()
	enc, ok := z.encoders[lvl]
	if !ok {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
		if err != nil {
			z.mu.Unlock()
			return nil, err
		}
		z.encoders[lvl] = enc
	}
	z.mu.Unlock()
	return enc.EncodeAll(src, nil), nil
}

func (z *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	z.once.Do(func() {
		z.decoder, z.initErr = zstd.NewReader(nil)
	})
	if z.initErr != nil {
		return nil, z.initErr
	}
	return z.decoder.DecodeAll(src, nil)
}
