// Package dispatcher wires internal/wire's framing to brook's request
// catalog: every inbound Envelope is routed by Name to a registered
// handler, run on its own goroutine, with its result or error framed
// back as the matching response Envelope. A connection's write side is
// serialized through one mutex so concurrently-handled requests (and
// asynchronously pushed subscription messages) never interleave their
// frames.
package dispatcher

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/cuemby/brook/internal/apperr"
	"github.com/cuemby/brook/internal/auth"
	"github.com/cuemby/brook/internal/database"
	"github.com/cuemby/brook/internal/pubsub"
	"github.com/cuemby/brook/internal/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HandlerFunc answers one request's Payload, returning the value to
// encode as the response Payload.
type HandlerFunc func(ctx *RequestContext, payload []byte) (any, error)

// Dispatcher owns the name -> handler registry and the server-level
// collaborators every handler needs: the session manager and the
// per-tenant database manager.
type Dispatcher struct {
	Auth      *auth.Manager
	Databases *database.Manager
	logger    zerolog.Logger

	handlers map[string]HandlerFunc
}

// New builds a Dispatcher with the full built-in request catalog
// registered.
func New(authMgr *auth.Manager, databases *database.Manager, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{Auth: authMgr, Databases: databases, logger: logger, handlers: make(map[string]HandlerFunc)}
	d.registerBuiltins()
	return d
}

// Handle registers or overrides the handler for a request name.
func (d *Dispatcher) Handle(name string, fn HandlerFunc) {
	d.handlers[name] = fn
}

// subscriberHandle tracks one connection-local subscriber: which
// database's Broker it was created against and its delivery channel.
type subscriberHandle struct {
	database string
	sub      *pubsub.Subscriber
}

// ConnSession is the connection-scoped state a Dispatcher threads
// through every request handled on one net.Conn: the serialized write
// side and this connection's own subscriber table (subscriber ids are
// connection-local on the wire, unlike the pubsub.SubscriberID uuid
// underneath them).
type ConnSession struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu          sync.Mutex
	nextSubID   uint32
	subscribers map[uint32]subscriberHandle

	done chan struct{}
}

func newConnSession(conn net.Conn) *ConnSession {
	return &ConnSession{conn: conn, subscribers: make(map[uint32]subscriberHandle), done: make(chan struct{})}
}

func (cs *ConnSession) send(e wire.Envelope) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	return wire.WriteEnvelope(cs.conn, e)
}

// RequestContext is passed to every HandlerFunc: the owning Dispatcher,
// this connection's session state, and the caller's authenticated
// session, if the request envelope named a live one.
type RequestContext struct {
	Dispatcher *Dispatcher
	Conn       *ConnSession
	AuthSession *auth.Session
}

// Allows reports whether the calling session holds action over
// resource. An unauthenticated caller (nil AuthSession) is denied
// everything; handlers that intentionally allow anonymous access
// (e.g. Authenticate itself) simply never call Allows.
func (ctx *RequestContext) Allows(action, resource string) bool {
	if ctx.AuthSession == nil {
		return false
	}
	return ctx.AuthSession.Permissions.Allows(action, resource)
}

func (ctx *RequestContext) requirePermission(action, resource string) error {
	if !ctx.Allows(action, resource) {
		return apperr.New(apperr.CodePermissionDenied, action+" denied").WithDetail(resource)
	}
	return nil
}

// Serve handles one accepted connection until it errors or is closed:
// handshake, then a read loop that dispatches each request Envelope to
// its own goroutine.
func (d *Dispatcher) Serve(conn net.Conn) {
	defer conn.Close()

	if err := wire.WriteHandshake(conn); err != nil {
		d.logger.Error().Err(err).Msg("dispatcher: write handshake")
		return
	}
	reader := newBufReader(conn)
	if err := wire.ReadHandshake(reader); err != nil {
		d.logger.Error().Err(err).Msg("dispatcher: read handshake")
		return
	}

	cs := newConnSession(conn)
	defer d.cleanupConn(cs)

	var wg sync.WaitGroup
	for {
		env, err := wire.ReadEnvelope(reader)
		if err != nil {
			if err != io.EOF {
				d.logger.Debug().Err(err).Msg("dispatcher: connection closed")
			}
			break
		}
		if env.Kind != wire.KindRequest {
			continue
		}
		wg.Add(1)
		go func(env wire.Envelope) {
			defer wg.Done()
			d.handleRequest(cs, env)
		}(env)
	}
	close(cs.done)
	wg.Wait()
}

func (d *Dispatcher) handleRequest(cs *ConnSession, env wire.Envelope) {
	resp := wire.Envelope{Kind: wire.KindResponse, ID: env.ID, Name: wire.ResponseName(env.Name)}

	ctx := &RequestContext{Dispatcher: d}
	ctx.Conn = cs
	if env.SessionID != "" {
		if sid, err := uuid.Parse(env.SessionID); err == nil {
			if sess, ok := d.Auth.Session(sid); ok {
				ctx.AuthSession = sess
			}
		}
	}

	fn, ok := d.handlers[env.Name]
	if !ok {
		resp.ErrorText = apperr.Newf(apperr.CodeAPINotRegistered, "no handler registered for %q", env.Name).Error()
		_ = cs.send(resp)
		return
	}

	result, err := fn(ctx, env.Payload)
	if err != nil {
		resp.ErrorText = toWireError(err).Error()
		if sendErr := cs.send(resp); sendErr != nil {
			d.logger.Debug().Err(sendErr).Msg("dispatcher: write error response")
		}
		return
	}
	if result != nil {
		payload, encErr := wire.EncodePayload(result)
		if encErr != nil {
			resp.ErrorText = apperr.Database(encErr).Error()
			_ = cs.send(resp)
			return
		}
		resp.Payload = payload
	}
	if sendErr := cs.send(resp); sendErr != nil {
		d.logger.Debug().Err(sendErr).Msg("dispatcher: write response")
	}
}

func newBufReader(conn net.Conn) *bufio.Reader {
	return bufio.NewReader(conn)
}

func toWireError(err error) *apperr.Error {
	if ae, ok := err.(*apperr.Error); ok {
		return ae
	}
	return apperr.Other(err)
}

// cleanupConn unregisters every subscriber this connection created,
// across whichever databases they were opened against.
func (d *Dispatcher) cleanupConn(cs *ConnSession) {
	cs.mu.Lock()
	handles := cs.subscribers
	cs.subscribers = nil
	cs.mu.Unlock()

	for _, h := range handles {
		db, err := d.Databases.Open(h.database)
		if err != nil {
			continue
		}
		db.PubSub.UnregisterSubscriber(h.sub.ID)
	}
}

// watchSubscriber starts one goroutine for sub that turns its delivery
// channel into pushed MessageReceived envelopes on this connection,
// tagged with the connection-local subscriber id the client registered
// SubscribeTo/UnsubscribeFrom calls against.
func (d *Dispatcher) watchSubscriber(cs *ConnSession, wireSubID uint32, sub *pubsub.Subscriber) {
	go func() {
		for {
			select {
			case msg, ok := <-sub.Channel:
				if !ok {
					return
				}
				payload, err := wire.EncodePayload(MessageReceivedPush{
					SubscriberID: wireSubID,
					Topic:        msg.Topic,
					Payload:      msg.Payload,
				})
				if err != nil {
					continue
				}
				_ = cs.send(wire.Envelope{Kind: wire.KindPush, Name: wire.MessageReceived, Payload: payload})
			case <-cs.done:
				return
			}
		}
	}()
}
