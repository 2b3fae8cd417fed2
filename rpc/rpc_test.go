package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repertory-project/repertory/apierr"
)

const testToken = "shared rpc token for tests"

func startTestServer(t *testing.T, handler Handler) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := NewServer(testToken, "1.0", handler, 2*time.Second, 2*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln) }()

	return ln.Addr().String(), func() {
		cancel()
		_ = ln.Close()
	}
}

func echoHandler(ctx context.Context, serviceFlags uint32, clientID string, threadID uint64, method string, args []byte) ([]byte, *apierr.APIError) {
	if method == "fail" {
		return nil, apierr.New(apierr.ItemNotFound)
	}
	out := append([]byte(nil), args...)
	return out, nil
}

func TestCallRoundTrip(t *testing.T) {
	addr, stop := startTestServer(t, echoHandler)
	defer stop()

	client, err := NewClient(addr, testToken, "1.0", 2, 2*time.Second, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	result, apiErr := client.Call(context.Background(), 0, 1, "echo", []byte("hello"), nil)
	require.Nil(t, apiErr)
	assert.Equal(t, []byte("hello"), result)
}

func TestCallPropagatesHandlerError(t *testing.T) {
	addr, stop := startTestServer(t, echoHandler)
	defer stop()

	client, err := NewClient(addr, testToken, "1.0", 2, 2*time.Second, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, apiErr := client.Call(context.Background(), 0, 1, "fail", nil, nil)
	require.NotNil(t, apiErr)
	assert.True(t, apierr.Is(apiErr, apierr.ItemNotFound))
}

func TestThreadAffineOrdering(t *testing.T) {
	var seen []int
	handler := func(ctx context.Context, serviceFlags uint32, clientID string, threadID uint64, method string, args []byte) ([]byte, *apierr.APIError) {
		n := int(args[0])
		seen = append(seen, n)
		return nil, nil
	}
	addr, stop := startTestServer(t, handler)
	defer stop()

	client, err := NewClient(addr, testToken, "1.0", 1, 2*time.Second, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 5; i++ {
		_, apiErr := client.Call(context.Background(), 0, 42, "noop", []byte{byte(i)}, nil)
		require.Nil(t, apiErr)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestIncompatibleVersionRejected(t *testing.T) {
	addr, stop := startTestServer(t, echoHandler)
	defer stop()

	client, err := NewClient(addr, testToken, "0.1", 1, 2*time.Second, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, apiErr := client.Call(context.Background(), 0, 1, "echo", []byte("x"), nil)
	require.NotNil(t, apiErr)
	assert.True(t, apierr.Is(apiErr, apierr.IncompatibleVersion))
}

func TestReplayedNonceIsRejected(t *testing.T) {
	addr, stop := startTestServer(t, echoHandler)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	key, err := deriveKey(testToken)
	require.NoError(t, err)

	payload, err := readFrame(conn)
	require.NoError(t, err)
	plaintext, err := open(key, payload)
	require.NoError(t, err)
	handshake, err := decodeResponse(plaintext)
	require.NoError(t, err)

	send := func(nonce string) (Response, error) {
		msg := Message{Nonce: nonce, Version: "1.0", ClientID: "replay-test", ThreadID: 1, Method: "echo", Args: []byte("x")}
		sealed, sealErr := seal(key, encodeMessage(msg))
		require.NoError(t, sealErr)
		require.NoError(t, writeFrame(conn, sealed))

		respPayload, readErr := readFrame(conn)
		if readErr != nil {
			return Response{}, readErr
		}
		respPlain, openErr := open(key, respPayload)
		require.NoError(t, openErr)
		return decodeResponse(respPlain)
	}

	first, err := send(handshake.Nonce)
	require.NoError(t, err)
	assert.Equal(t, uint32(apierr.Success), first.ErrCode)

	_, err = send(handshake.Nonce)
	assert.Error(t, err, "replaying the first nonce must not get a response")
}
