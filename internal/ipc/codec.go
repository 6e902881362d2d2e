package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

const maxFrameBytes = 1 * 1024 * 1024 // 1MB

// Codec handles JSON serialization over a length-prefixed connection: a
// 4-byte big-endian length followed by the encoded frame. Sends are
// serialized so deferred replies from worker goroutines never interleave.
type Codec struct {
	conn net.Conn

	sendMu sync.Mutex
}

// NewCodec wraps the given connection.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{conn: conn}
}

// Send marshals a frame and writes it with the length prefix.
func (c *Codec) Send(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("ipc: marshal frame: %w", err)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("ipc: frame too large: %d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err = c.conn.Write(buf)
	return err
}

// Receive reads one length-prefixed frame from the connection.
func (c *Codec) Receive() (*Frame, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, lenBuf); err != nil {
		return nil, err
	}

	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen > maxFrameBytes {
		return nil, fmt.Errorf("ipc: frame too large: %d bytes", frameLen)
	}

	data := make([]byte, frameLen)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, err
	}

	f := &Frame{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("ipc: unmarshal frame: %w", err)
	}
	return f, nil
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
