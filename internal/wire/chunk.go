package wire

import (
	"bytes"
	"compress/zlib"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	flagRaw  = 0x00
	flagZlib = 0x01

	chunkHeaderLen = 41 // idx u32 | sha256 [32] | len u32 | flags u8

	probeLen     = 64 * 1024
	compressGain = 0.05 // skip if ratio < 5%
)

var (
	// ErrChecksum is returned when chunk data does not match its header hash.
	ErrChecksum = errors.New("wire: chunk checksum mismatch")
	// ErrChunkTooLarge is returned when a compressed chunk inflates past MaxPayload.
	ErrChunkTooLarge = errors.New("wire: chunk inflates past frame limit")
)

// Chunk is a decoded chunk frame.
type Chunk struct {
	Index int
	Sum   [32]byte
	Data  []byte
}

// EncodeChunk builds a TChunk payload. Data is zlib-compressed when a probe
// shows it is worth it; the checksum always covers the uncompressed bytes.
func EncodeChunk(index int, data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	body := data
	var flags byte = flagRaw
	if compressible(data) {
		comp, err := compressBytes(data)
		if err != nil {
			return nil, err
		}
		if len(comp) < len(data) {
			body = comp
			flags = flagZlib
		}
	}
	out := make([]byte, chunkHeaderLen, chunkHeaderLen+len(body))
	binary.BigEndian.PutUint32(out[0:], uint32(index))
	copy(out[4:], sum[:])
	binary.BigEndian.PutUint32(out[36:], uint32(len(body)))
	out[40] = flags
	return append(out, body...), nil
}

// DecodeChunk parses a TChunk payload, decompresses it and verifies the hash.
func DecodeChunk(payload []byte) (Chunk, error) {
	if len(payload) < chunkHeaderLen {
		return Chunk{}, fmt.Errorf("wire: short chunk header: %d", len(payload))
	}
	var c Chunk
	c.Index = int(binary.BigEndian.Uint32(payload[0:4]))
	copy(c.Sum[:], payload[4:36])
	dlen := binary.BigEndian.Uint32(payload[36:40])
	flags := payload[40]
	if int(dlen) != len(payload)-chunkHeaderLen {
		return Chunk{}, fmt.Errorf("wire: chunk length %d, have %d", dlen, len(payload)-chunkHeaderLen)
	}
	body := payload[chunkHeaderLen:]
	if flags&flagZlib != 0 {
		raw, err := decompressBytes(body)
		if err != nil {
			return Chunk{}, err
		}
		body = raw
	}
	if sha256.Sum256(body) != c.Sum {
		return Chunk{}, fmt.Errorf("%w: chunk %d", ErrChecksum, c.Index)
	}
	c.Data = body
	return c, nil
}

func compressible(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	probe := data[:min(len(data), probeLen)]
	comp, err := compressBytes(probe)
	if err != nil {
		return false
	}
	ratio := 1.0 - float64(len(comp))/float64(len(probe))
	return ratio >= compressGain
}

func compressBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, 1) // level 1 = fastest
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBytes(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib open: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(io.LimitReader(r, MaxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("zlib read: %w", err)
	}
	if len(raw) > MaxPayload {
		return nil, ErrChunkTooLarge
	}
	return raw, nil
}
