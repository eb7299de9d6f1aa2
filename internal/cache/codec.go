package cache

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"

	"github.com/ajitpratap0/posevol/internal/volume"
	"github.com/ajitpratap0/posevol/pkg/compression"
	"github.com/ajitpratap0/posevol/pkg/errors"
	"github.com/ajitpratap0/posevol/pkg/pool"
)

// File layout, little endian:
//
//	magic "PVOL" | version u8 | algorithm u8 | tensors u16
//	per tensor: rank u8 | dims u32 * rank | payload length u32 | payload
//
// A payload is the tensor's float32 values, compressed unless empty.
const (
	magic         = "PVOL"
	formatVersion = 1
	headerSize    = 8
	maxRank       = 8
)

var buffers = pool.NewBufferPool()

// Header is the fixed prefix of a cache file
type Header struct {
	Version   uint8
	Algorithm compression.Algorithm
	Tensors   int
}

func parseHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, errors.New(errors.ErrorTypeCacheCorruption, "file shorter than header")
	}
	if string(b[:4]) != magic {
		return Header{}, errors.New(errors.ErrorTypeCacheCorruption, "bad magic")
	}
	h := Header{Version: b[4], Tensors: int(binary.LittleEndian.Uint16(b[6:8]))}
	if h.Version != formatVersion {
		return Header{}, errors.Newf(errors.ErrorTypeCacheCorruption, "unsupported format version %d", h.Version)
	}
	alg, err := compression.FromCode(b[5])
	if err != nil {
		return Header{}, errors.Wrap(err, errors.ErrorTypeCacheCorruption, "bad algorithm code")
	}
	h.Algorithm = alg
	if h.Tensors == 0 {
		return Header{}, errors.New(errors.ErrorTypeCacheCorruption, "file holds no tensors")
	}
	return h, nil
}

// ReadHeader parses the header of the file at path. Missing, empty and
// unparseable files all fail; only the latter two are CacheCorruption.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is built by the cache layout
	if err != nil {
		return Header{}, errors.Wrap(err, errors.ErrorTypeNotFound, "cache file missing")
	}
	defer f.Close()

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Header{}, errors.Wrap(err, errors.ErrorTypeCacheCorruption, "truncated header")
	}
	return parseHeader(buf)
}

// Codec encodes tensors with one compressor and decodes any algorithm
type Codec struct {
	comp compression.Compressor

	mu       sync.Mutex
	decoders map[compression.Algorithm]compression.Compressor
}

// NewCodec creates a codec writing with comp
func NewCodec(comp compression.Compressor) *Codec {
	return &Codec{
		comp:     comp,
		decoders: map[compression.Algorithm]compression.Compressor{comp.Algorithm(): comp},
	}
}

// Encode serializes tensors into one file body
func (c *Codec) Encode(tensors ...volume.Tensor) ([]byte, error) {
	if len(tensors) == 0 || len(tensors) > math.MaxUint16 {
		return nil, errors.Newf(errors.ErrorTypeInternal, "cannot encode %d tensors", len(tensors))
	}
	code, err := c.comp.Algorithm().Code()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(formatVersion)
	buf.WriteByte(code)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(tensors)))

	for _, t := range tensors {
		if err := t.Check(); err != nil {
			return nil, err
		}
		if len(t.Shape) > maxRank {
			return nil, errors.Newf(errors.ErrorTypeInternal, "tensor rank %d exceeds %d", len(t.Shape), maxRank)
		}
		buf.WriteByte(uint8(len(t.Shape)))
		for _, d := range t.Shape {
			_ = binary.Write(&buf, binary.LittleEndian, uint32(d))
		}

		raw := buffers.Get(4 * len(t.Data))
		putFloats(raw, t.Data)
		payload := raw
		if len(payload) > 0 {
			if payload, err = c.comp.Compress(payload); err != nil {
				buffers.Put(raw)
				return nil, errors.Wrap(err, errors.ErrorTypeInternal, "compression failed")
			}
		}
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
		buf.Write(payload)
		buffers.Put(raw)
	}
	return buf.Bytes(), nil
}

// Decode parses a file body written by Encode
func (c *Codec) Decode(b []byte) ([]volume.Tensor, error) {
	h, err := parseHeader(b)
	if err != nil {
		return nil, err
	}
	dec, err := c.decoder(h.Algorithm)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(b[headerSize:])
	tensors := make([]volume.Tensor, 0, h.Tensors)
	for i := 0; i < h.Tensors; i++ {
		rank, err := r.ReadByte()
		if err != nil || rank > maxRank {
			return nil, errors.Newf(errors.ErrorTypeCacheCorruption, "tensor %d: bad rank", i)
		}
		shape := make([]int, rank)
		for d := range shape {
			var dim uint32
			if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeCacheCorruption, "truncated shape")
			}
			shape[d] = int(dim)
		}

		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCacheCorruption, "truncated payload length")
		}
		if int64(n) > int64(r.Len()) {
			return nil, errors.Newf(errors.ErrorTypeCacheCorruption, "tensor %d: payload truncated", i)
		}
		raw := buffers.Get(int(n))
		_, _ = io.ReadFull(r, raw)
		payload := raw
		if n > 0 {
			if payload, err = dec.Decompress(raw); err != nil {
				buffers.Put(raw)
				return nil, errors.Wrap(err, errors.ErrorTypeCacheCorruption, "decompression failed")
			}
		}

		t := volume.Tensor{Shape: shape, Data: bytesFloat(payload)}
		buffers.Put(raw)
		if err := t.Check(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCacheCorruption, "tensor size mismatch")
		}
		tensors = append(tensors, t)
	}
	if r.Len() != 0 {
		return nil, errors.Newf(errors.ErrorTypeCacheCorruption, "%d trailing bytes", r.Len())
	}
	return tensors, nil
}

func (c *Codec) decoder(alg compression.Algorithm) (compression.Compressor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.decoders[alg]; ok {
		return d, nil
	}
	d, err := compression.NewCompressor(&compression.Config{Algorithm: alg, Level: compression.Default})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCacheCorruption, "no decoder")
	}
	c.decoders[alg] = d
	return d, nil
}

func putFloats(b []byte, v []float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
}

func bytesFloat(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
