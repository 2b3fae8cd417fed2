package rpc

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/repertory-project/repertory/apierr"
)

// maxCallAttempts bounds client-side reconnect/retry (spec.md S4.9
// "Client retries: up to 5 attempts with inter-attempt reconnect").
const maxCallAttempts = 5

// clientConn is one pooled socket together with the session nonce it
// last received; the nonce is per-socket state, never shared across
// connections.
type clientConn struct {
	conn  net.Conn
	nonce string
}

// Client is a connection-pooled RPC client for one server endpoint.
// Its pool holds at most maxConns sockets (spec.md S4.9).
type Client struct {
	addr        string
	key         []byte
	version     string
	clientID    string
	sendTimeout time.Duration
	recvTimeout time.Duration

	sem  chan struct{}
	free chan *clientConn
}

// NewClient constructs a Client bound to addr, authenticating with
// token and advertising version in every request.
func NewClient(addr, token, version string, maxConns int, sendTimeout, recvTimeout time.Duration) (*Client, error) {
	key, err := deriveKey(token)
	if err != nil {
		return nil, err
	}
	if maxConns < 1 {
		maxConns = 1
	}
	return &Client{
		addr:        addr,
		key:         key,
		version:     version,
		clientID:    uuid.NewString(),
		sendTimeout: sendTimeout,
		recvTimeout: recvTimeout,
		sem:         make(chan struct{}, maxConns),
		free:        make(chan *clientConn, maxConns),
	}, nil
}

// Close releases every pooled, currently idle connection. In-flight
// calls are unaffected.
func (c *Client) Close() {
	for {
		select {
		case cc := <-c.free:
			_ = cc.conn.Close()
		default:
			return
		}
	}
}

// Call invokes method on threadID's worker, retrying up to
// maxCallAttempts times with a fresh reconnect on transport failure.
// allowConnections, when non-nil, is polled before each attempt; once
// it reports false no further attempt is made (spec.md S4.9 "no retry
// if the caller's allow-connections flag becomes false").
func (c *Client) Call(ctx context.Context, serviceFlags uint32, threadID uint64, method string, args []byte, allowConnections func() bool) ([]byte, *apierr.APIError) {
	var lastErr *apierr.APIError
	for attempt := 0; attempt < maxCallAttempts; attempt++ {
		if allowConnections != nil && !allowConnections() {
			return nil, apierr.New(apierr.CommError)
		}

		cc, err := c.acquire(ctx)
		if err != nil {
			lastErr = apierr.Wrap(apierr.CommError, err)
			continue
		}

		result, apiErr, transportFailure := c.doCall(cc, serviceFlags, threadID, method, args)
		if apiErr == nil {
			c.release(cc)
			return result, nil
		}
		if transportFailure {
			c.discard(cc)
		} else {
			c.release(cc)
			return nil, apiErr
		}
		lastErr = apiErr
	}
	return nil, lastErr
}

func (c *Client) doCall(cc *clientConn, serviceFlags uint32, threadID uint64, method string, args []byte) ([]byte, *apierr.APIError, bool) {
	msg := Message{
		Nonce:        cc.nonce,
		Version:      c.version,
		ServiceFlags: serviceFlags,
		ClientID:     c.clientID,
		ThreadID:     threadID,
		Method:       method,
		Args:         args,
	}
	sealed, err := seal(c.key, encodeMessage(msg))
	if err != nil {
		return nil, apierr.Wrap(apierr.Error, err), true
	}
	if err := cc.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout)); err != nil {
		return nil, apierr.Wrap(apierr.CommError, err), true
	}
	if err := writeFrame(cc.conn, sealed); err != nil {
		return nil, apierr.Wrap(apierr.CommError, err), true
	}

	if err := cc.conn.SetReadDeadline(time.Now().Add(c.recvTimeout)); err != nil {
		return nil, apierr.Wrap(apierr.CommError, err), true
	}
	payload, err := readFrame(cc.conn)
	if err != nil {
		return nil, apierr.Wrap(apierr.CommError, err), true
	}
	plaintext, err := open(c.key, payload)
	if err != nil {
		return nil, apierr.Wrap(apierr.CommError, err), true
	}
	resp, err := decodeResponse(plaintext)
	if err != nil {
		return nil, apierr.Wrap(apierr.CommError, err), true
	}
	cc.nonce = resp.Nonce

	if resp.ErrCode != uint32(apierr.Success) {
		return nil, apierr.New(apierr.Code(resp.ErrCode)), false
	}
	return resp.Result, nil, false
}

// acquire returns a pooled connection, dialing a new one when the pool
// has spare capacity and none is currently idle.
func (c *Client) acquire(ctx context.Context) (*clientConn, error) {
	select {
	case cc := <-c.free:
		return cc, nil
	default:
	}

	select {
	case c.sem <- struct{}{}:
		cc, err := c.dial(ctx)
		if err != nil {
			<-c.sem
			return nil, err
		}
		return cc, nil
	case cc := <-c.free:
		return cc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context) (*clientConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.recvTimeout)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	payload, err := readFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	plaintext, err := open(c.key, payload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	resp, err := decodeResponse(plaintext)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &clientConn{conn: conn, nonce: resp.Nonce}, nil
}

func (c *Client) release(cc *clientConn) {
	select {
	case c.free <- cc:
	default:
		_ = cc.conn.Close()
		<-c.sem
	}
}

func (c *Client) discard(cc *clientConn) {
	_ = cc.conn.Close()
	select {
	case <-c.sem:
	default:
	}
}
