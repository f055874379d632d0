// Package wire implements the framed protocol spoken between peers and the
// tracker: a 4-byte magic, a type byte, a big-endian payload length and the
// payload itself.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

var magic = [4]byte{'P', '2', 'P', 0x01}

const (
	TRequest      = 0x01
	TResponse     = 0x02
	TGetChunk     = 0x10
	TChunk        = 0x11
	TCertRequest  = 0x20
	TCertResponse = 0x21
	TError        = 0xFF

	headerLen = 9

	// MaxPayload bounds a single frame; a chunk plus its header fits easily.
	MaxPayload = 64 * 1024 * 1024

	sockBuf = 4 * 1024 * 1024
)

// ErrBadMagic is returned when a frame does not start with the protocol magic.
var ErrBadMagic = errors.New("wire: bad magic")

// WriteFrame writes one frame.
func WriteFrame(w io.Writer, msgType byte, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("wire: payload too large: %d", len(payload))
	}
	hdr := make([]byte, headerLen)
	copy(hdr[:4], magic[:])
	hdr[4] = msgType
	binary.BigEndian.PutUint32(hdr[5:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	if hdr[0] != magic[0] || hdr[1] != magic[1] || hdr[2] != magic[2] || hdr[3] != magic[3] {
		return 0, nil, fmt.Errorf("%w: %x", ErrBadMagic, hdr[:4])
	}
	msgType := hdr[4]
	plen := binary.BigEndian.Uint32(hdr[5:])
	if plen > MaxPayload {
		return 0, nil, fmt.Errorf("wire: frame too large: %d", plen)
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}

// WriteJSON marshals v and writes it as one frame.
func WriteJSON(w io.Writer, msgType byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	return WriteFrame(w, msgType, data)
}

// Tune applies the socket options used for bulk chunk transfer. Non-TCP
// connections (for example TLS wrappers) are left alone.
func Tune(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetReadBuffer(sockBuf)
	_ = tc.SetWriteBuffer(sockBuf)
}
