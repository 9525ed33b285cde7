package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

var ErrDaemon = errors.New("daemon error")

// Client talks to a daemon over its control socket. Calls are serialized.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Call sends op with args and returns the result of the reply.
func (c *Client) Call(op string, args map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteMessage(c.conn, request(op, args)); err != nil {
		return nil, err
	}
	reply, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("reading %s reply: %w", op, err)
	}
	return unwrap(reply)
}

// Watch streams daemon events to fn until ctx is done, fn returns an error
// or the daemon closes the connection.
func (c *Client) Watch(ctx context.Context, fn func(map[string]any) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteMessage(c.conn, request(OpWatch, nil)); err != nil {
		return err
	}
	reply, err := ReadMessage(c.conn)
	if err != nil {
		return err
	}
	if _, err := unwrap(reply); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for {
		ev, err := ReadMessage(c.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func request(op string, args map[string]any) map[string]any {
	msg := make(map[string]any, len(args)+1)
	for k, v := range args {
		msg[k] = v
	}
	msg["op"] = op
	return msg
}

func unwrap(reply map[string]any) (map[string]any, error) {
	if ok, _ := reply["ok"].(bool); !ok {
		msg, _ := reply["error"].(string)
		return nil, fmt.Errorf("%w: %s", ErrDaemon, msg)
	}
	result, _ := reply["result"].(map[string]any)
	return result, nil
}
