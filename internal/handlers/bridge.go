package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gluk-w/shellbridge/internal/bridge"
	"github.com/gluk-w/shellbridge/internal/logutil"
	"github.com/gluk-w/shellbridge/internal/middleware"
	"github.com/gluk-w/shellbridge/internal/protocol"
	"github.com/gluk-w/shellbridge/internal/sshterminal"
)

// Bridge is set from main.go during init.
var Bridge *bridge.Manager

// AllowedOrigins restricts WebSocket upgrades to these host patterns. Empty
// accepts any origin.
var AllowedOrigins []string

const (
	bridgeReadLimit  = 1024 * 1024
	bridgeQueueSize  = 1024
	bridgeWriteLimit = 10 * time.Second
)

var (
	errTransportClosed = errors.New("transport closed")
	errSlowConsumer    = errors.New("client not reading fast enough")
)

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// wsTransport is a bridge.Transport over one WebSocket. Outbound frames go
// through a bounded queue drained by a single writer goroutine, so Send and
// SendData never block. A client that lets the queue fill is disconnected.
type wsTransport struct {
	id   string
	conn *websocket.Conn
	out  chan frame

	closeOnce sync.Once
	done      chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{
		id:   uuid.New().String(),
		conn: conn,
		out:  make(chan frame, bridgeQueueSize),
		done: make(chan struct{}),
	}
}

func (t *wsTransport) ID() string { return t.id }

func (t *wsTransport) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return t.enqueue(frame{typ: websocket.MessageText, data: data})
}

func (t *wsTransport) SendData(p []byte) error {
	return t.enqueue(frame{typ: websocket.MessageBinary, data: p})
}

func (t *wsTransport) enqueue(f frame) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.out <- f:
		return nil
	default:
		log.Printf("[ws] transport %s: outbound queue full, closing", logutil.ShortID(t.id))
		t.shutdown()
		go t.conn.Close(websocket.StatusPolicyViolation, "client too slow")
		return errSlowConsumer
	}
}

func (t *wsTransport) shutdown() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *wsTransport) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case f := <-t.out:
			wctx, cancel := context.WithTimeout(ctx, bridgeWriteLimit)
			err := t.conn.Write(wctx, f.typ, f.data)
			cancel()
			if err != nil {
				t.shutdown()
				return
			}
		}
	}
}

// BridgeWS serves the bridge protocol on a WebSocket. Binary frames carry
// terminal bytes, text frames carry JSON control messages. The socket stays
// open across sessions: a client may connect, disconnect and connect again,
// or restore a session created on another socket.
func BridgeWS(w http.ResponseWriter, r *http.Request) {
	if Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "Bridge not initialized")
		return
	}

	acceptOpts := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if len(AllowedOrigins) > 0 {
		acceptOpts = &websocket.AcceptOptions{OriginPatterns: AllowedOrigins}
	}
	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		log.Printf("[ws] failed to accept bridge websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(bridgeReadLimit)

	caller := bridge.Caller{
		Principal: middleware.GetPrincipal(r),
		SourceIP:  r.RemoteAddr,
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	t := newWSTransport(conn)
	go t.writeLoop(ctx)
	defer func() {
		t.shutdown()
		Bridge.Detach(t)
		log.Printf("[ws] transport %s closed", logutil.ShortID(t.id))
	}()

	log.Printf("[ws] transport %s opened from %s", logutil.ShortID(t.id), logutil.SanitizeForLog(caller.SourceIP))
	limiter := newFrameLimiter()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		select {
		case <-t.done:
			return
		default:
		}
		if !limiter.Allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > sshterminal.MaxInputMessageSize {
				log.Printf("[ws] input frame too large: transport=%s size=%d limit=%d",
					logutil.ShortID(t.id), len(data), sshterminal.MaxInputMessageSize)
				continue
			}
			if err := Bridge.Input(t, data); err != nil {
				t.Send(protocol.Message{Type: protocol.TypeError, Message: err.Error()})
			}
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			t.Send(protocol.Message{Type: protocol.TypeError, Message: err.Error()})
			continue
		}
		dispatch(ctx, t, msg, caller)
	}
}

func dispatch(ctx context.Context, t *wsTransport, msg protocol.Message, caller bridge.Caller) {
	var err error
	switch msg.Type {
	case protocol.TypeConnect:
		// Failures are reported to the client as connect_error.
		Bridge.Connect(ctx, t, bridge.ConnectRequest{
			Host:     msg.Host,
			Port:     msg.Port,
			Username: msg.Username,
			Secret:   msg.Secret,
			Env:      msg.Env,
			Cols:     msg.Cols,
			Rows:     msg.Rows,
		}, caller)
	case protocol.TypeRestore:
		// Failures are reported to the client as restore_failed.
		Bridge.Restore(t, msg.SessionID, msg.Snapshot, caller)
	case protocol.TypeResize:
		err = Bridge.Resize(t, msg.Cols, msg.Rows)
	case protocol.TypeDisconnect:
		Bridge.Disconnect(t)
	case protocol.TypeList, protocol.TypeRead:
		if msg.Type == protocol.TypeList {
			err = Bridge.List(t, msg.ReqID, msg.Path)
		} else {
			err = Bridge.Read(t, msg.ReqID, msg.Path)
		}
		if err != nil {
			t.Send(protocol.Message{Type: protocol.TypeChannelError, ReqID: msg.ReqID, Path: msg.Path, Message: err.Error()})
			return
		}
	case protocol.TypePause:
		err = Bridge.Pause(t, msg.Snapshot)
	case protocol.TypeResume:
		err = Bridge.Resume(t)
	case protocol.TypeHistoryRequest:
		err = Bridge.History(t)
	default:
		t.Send(protocol.Message{Type: protocol.TypeError, Message: "unsupported message type " + string(msg.Type)})
		return
	}
	if err != nil {
		t.Send(protocol.Message{Type: protocol.TypeError, Message: err.Error()})
	}
}
