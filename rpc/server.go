package rpc

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/repertory-project/repertory/apierr"
)

var log = logrus.WithField("component", "rpc")

// Handler is the user-supplied message handler dispatched per request
// (spec.md S4.9: "the server hands (service_flags, client_id,
// thread_id, method, request, response, completion) to a user-supplied
// message handler"). Returning from Handler is the completion: the
// transport encrypts and writes the response once Handler returns.
type Handler func(ctx context.Context, serviceFlags uint32, clientID string, threadID uint64, method string, args []byte) ([]byte, *apierr.APIError)

type workerKey struct {
	clientID string
	threadID uint64
}

type job struct {
	ctx          context.Context
	serviceFlags uint32
	clientID     string
	threadID     uint64
	method       string
	args         []byte
	resultCh     chan jobResult
}

type jobResult struct {
	result []byte
	err    *apierr.APIError
}

// Server accepts connections and dispatches decoded requests to a
// Handler, guaranteeing thread-affine (client_id, thread_id) FIFO
// ordering (spec.md S4.9).
type Server struct {
	key         []byte
	minVersion  string
	handler     Handler
	sendTimeout time.Duration
	recvTimeout time.Duration

	mu      sync.Mutex
	workers map[workerKey]chan *job
}

// NewServer constructs a Server that authenticates connections with
// token and rejects requests whose Version is older than minVersion.
func NewServer(token, minVersion string, handler Handler, sendTimeout, recvTimeout time.Duration) (*Server, error) {
	key, err := deriveKey(token)
	if err != nil {
		return nil, err
	}
	return &Server{
		key:         key,
		minVersion:  minVersion,
		handler:     handler,
		sendTimeout: sendTimeout,
		recvTimeout: recvTimeout,
		workers:     make(map[workerKey]chan *job),
	}, nil
}

// Serve accepts connections from ln until ctx is cancelled or Accept
// fails, handling each on its own goroutine within an errgroup
// (SPEC_FULL.md's "per-connection goroutine group").
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				_ = g.Wait()
				return ctx.Err()
			default:
				return err
			}
		}
		g.Go(func() error {
			s.handleConn(ctx, conn)
			return nil
		})
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	nonce, err := newSessionNonce()
	if err != nil {
		log.WithError(err).Error("failed to generate handshake nonce")
		return
	}
	if err := s.writeResponse(conn, Response{Nonce: nonce}); err != nil {
		log.WithError(err).Debug("handshake write failed")
		return
	}
	currentNonce := nonce

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.recvTimeout)); err != nil {
			return
		}
		payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("read frame failed")
			}
			return
		}

		plaintext, err := open(s.key, payload)
		if err != nil {
			log.Warn("decryption failed, closing connection")
			return
		}
		msg, err := decodeMessage(plaintext)
		if err != nil {
			log.WithError(err).Warn("malformed request, closing connection")
			return
		}
		if msg.Nonce != currentNonce {
			log.WithField("client_id", msg.ClientID).Warn("nonce mismatch, closing connection")
			return
		}
		if versionLess(msg.Version, s.minVersion) {
			newNonce, err := newSessionNonce()
			if err != nil {
				return
			}
			currentNonce = newNonce
			resp := Response{Nonce: newNonce, ErrCode: uint32(apierr.IncompatibleVersion), ErrMsg: "incompatible version"}
			if err := s.writeResponse(conn, resp); err != nil {
				return
			}
			continue
		}

		resultCh := make(chan jobResult, 1)
		s.dispatch(ctx, msg, resultCh)

		var res jobResult
		select {
		case res = <-resultCh:
		case <-ctx.Done():
			return
		}

		newNonce, err := newSessionNonce()
		if err != nil {
			return
		}
		currentNonce = newNonce

		resp := Response{Nonce: newNonce, Result: res.result}
		if res.err != nil {
			resp.ErrCode = uint32(res.err.Code)
			resp.ErrMsg = res.err.Error()
		}
		if err := conn.SetWriteDeadline(time.Now().Add(s.sendTimeout)); err != nil {
			return
		}
		if err := s.writeResponse(conn, resp); err != nil {
			log.WithError(err).Debug("write response failed")
			return
		}
	}
}

func (s *Server) writeResponse(w io.Writer, resp Response) error {
	sealed, err := seal(s.key, encodeResponse(resp))
	if err != nil {
		return err
	}
	return writeFrame(w, sealed)
}

// dispatch hands msg to the worker goroutine for (client_id, thread_id),
// starting one if this is the pair's first request.
func (s *Server) dispatch(ctx context.Context, msg Message, resultCh chan jobResult) {
	key := workerKey{msg.ClientID, msg.ThreadID}
	s.mu.Lock()
	ch, ok := s.workers[key]
	if !ok {
		ch = make(chan *job, 16)
		s.workers[key] = ch
		go s.runWorker(ch)
	}
	s.mu.Unlock()
	ch <- &job{
		ctx:          ctx,
		serviceFlags: msg.ServiceFlags,
		clientID:     msg.ClientID,
		threadID:     msg.ThreadID,
		method:       msg.Method,
		args:         msg.Args,
		resultCh:     resultCh,
	}
}

// runWorker executes every job for one (client_id, thread_id) pair in
// FIFO order on a single goroutine (spec.md S4.9 thread-affine
// dispatch).
func (s *Server) runWorker(ch chan *job) {
	for j := range ch {
		result, err := s.handler(j.ctx, j.serviceFlags, j.clientID, j.threadID, j.method, j.args)
		j.resultCh <- jobResult{result: result, err: err}
	}
}
