package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/oriys/pulsar/internal/config"
)

// ErrRemote carries an application-level error frame from the daemon.
type ErrRemote struct {
	Code    string
	Message string
}

func (e *ErrRemote) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is a bus client used by the CLI subcommands and tests. Replies may
// arrive out of order; a reader goroutine routes them by frame id.
type Client struct {
	codec *Codec

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Frame
	readErr error
	closed  bool
}

// Dial connects to the daemon bus.
func Dial(cfg config.IPCConfig) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)
	switch cfg.Mode {
	case "tcp":
		conn, err = net.Dial("tcp", cfg.TCPAddr)
	case "vsock":
		conn, err = vsock.Dial(vsock.Host, cfg.VsockPort, nil)
	case "", "unix":
		conn, err = net.Dial("unix", cfg.SocketPath)
	default:
		return nil, fmt.Errorf("ipc: unknown dial mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	c := &Client{
		codec:   NewCodec(conn),
		pending: map[uint64]chan *Frame{},
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		frame, err := c.codec.Receive()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

// Call sends one request and blocks until its reply or ctx expiry. result,
// when non-nil, receives the unmarshaled reply payload.
func (c *Client) Call(ctx context.Context, frameType int, request, result any) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("ipc: marshal request: %w", err)
	}

	ch := make(chan *Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("ipc: client closed")
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.codec.Send(&Frame{Type: frameType, ID: id, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case frame, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = errors.New("ipc: connection closed")
			}
			return err
		}
		if frame.Type == MsgError {
			var er ErrorReply
			if uerr := json.Unmarshal(frame.Payload, &er); uerr != nil {
				return fmt.Errorf("ipc: undecodable error frame: %w", uerr)
			}
			return &ErrRemote{Code: er.Code, Message: er.Message}
		}
		if result != nil {
			if uerr := json.Unmarshal(frame.Payload, result); uerr != nil {
				return fmt.Errorf("ipc: unmarshal reply: %w", uerr)
			}
		}
		return nil
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.codec.Close()
}
