package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vaporroom/vaporroom/internal/adapter"
	"github.com/vaporroom/vaporroom/internal/apperr"
	"github.com/vaporroom/vaporroom/internal/clock"
	"github.com/vaporroom/vaporroom/internal/config"
	"github.com/vaporroom/vaporroom/internal/ids"
	"github.com/vaporroom/vaporroom/internal/logging"
	"github.com/vaporroom/vaporroom/internal/metrics"
	"github.com/vaporroom/vaporroom/internal/store"
	"github.com/vaporroom/vaporroom/internal/upload"
)

var errFullQueue = errors.New("realtime: outbound queue full")

// frameOverheadBytes accounts for the msgpack framing (Kind, Event,
// RequestID, and the surrounding Payload map keys such as filename and
// mimeType) that rides alongside a file:upload frame's raw bytes.
const frameOverheadBytes = 64 * 1024

// handlerFunc is a named operation's server-side implementation. It
// returns the payload for a success ack; apperr errors become failure
// acks, anything else becomes apperr.Internal. The optional afterAck is
// run only on success, after the ack has been enqueued — this is where
// a handler broadcasts or emits events describing the mutation it just
// made, so a caller never observes that event before its own ack.
type handlerFunc func(ctx context.Context, conn *connection, payload map[string]any) (result map[string]any, afterAck func(), err error)

// Dispatcher is the RealtimeDispatcher: it owns every live connection, the
// session-room membership derived from MemoryStore, and the named
// operation table.
type Dispatcher struct {
	store     *store.MemoryStore
	assembler *upload.Assembler
	cfg       *config.Config
	clock     clock.Clock
	logger    logging.Logger
	metrics   *metrics.Metrics
	notifier  adapter.Notifier
	tracer    trace.Tracer

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection
	rooms map[string]map[string]*connection

	handlers map[string]handlerFunc
}

func New(
	st *store.MemoryStore,
	asm *upload.Assembler,
	cfg *config.Config,
	clk clock.Clock,
	logger logging.Logger,
	m *metrics.Metrics,
	notifier adapter.Notifier,
) *Dispatcher {
	if notifier == nil {
		notifier = adapter.Noop{}
	}

	d := &Dispatcher{
		store:     st,
		assembler: asm,
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		metrics:   m,
		notifier:  notifier,
		tracer:    otel.Tracer("vaporroom/realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
		rooms: make(map[string]map[string]*connection),
	}

	d.handlers = map[string]handlerFunc{
		OpSessionCreate:      d.handleSessionCreate,
		OpSessionJoin:        d.handleSessionJoin,
		OpSessionLeave:       d.handleSessionLeave,
		OpFileUpload:         d.handleFileUpload,
		OpFileUploadStart:    d.handleFileUploadStart,
		OpFileUploadChunk:    d.handleFileUploadChunk,
		OpFileUploadComplete: d.handleFileUploadComplete,
		OpFileRequest:        d.handleFileRequest,
		OpFileDelete:         d.handleFileDelete,
		OpMessageSend:        d.handleMessageSend,
		OpMessageDelete:      d.handleMessageDelete,
	}

	return d
}

// ServeHTTP upgrades an HTTP request to a WebSocket connection and runs
// its lifetime to completion. It returns once the connection has closed.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	// Cap a single frame well above the largest chunked-upload piece but
	// still bounded, so an oversized file:upload frame is rejected by the
	// transport instead of read fully into memory before FileTooLarge can
	// ever see it. Larger payloads must go through the chunked path.
	ws.SetReadLimit(d.cfg.MaxFileSizeBytes + frameOverheadBytes)

	conn := newConnection(ids.NewConnectionID(), ws)

	d.mu.Lock()
	d.conns[conn.id] = conn
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.ActiveConnections.Inc()
	}

	go d.writePump(conn)
	d.readPump(conn)
}

func (d *Dispatcher) writePump(conn *connection) {
	for frame := range conn.send {
		data, err := msgpack.Marshal(&frame)
		if err != nil {
			d.logger.Error(context.Background(), "frame marshal failed", "error", err)
			continue
		}
		if err := conn.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}

func (d *Dispatcher) readPump(conn *connection) {
	defer d.handleDisconnect(conn)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := msgpack.Unmarshal(data, &frame); err != nil {
			d.logger.Warn(context.Background(), "frame decode failed", "connID", conn.id, "error", err)
			continue
		}
		if frame.Kind != FrameRequest {
			continue
		}

		d.handleRequest(conn, frame)
	}
}

// handleRequest enforces the per-connection state machine, runs the named
// operation under an RPC deadline, and sends exactly one ack.
func (d *Dispatcher) handleRequest(conn *connection, frame Frame) {
	handler, ok := d.handlers[frame.Event]
	if !ok {
		d.ackError(conn, frame, apperr.New(apperr.Internal))
		return
	}

	state, _, _ := conn.snapshot()
	joinLike := frame.Event == OpSessionCreate || frame.Event == OpSessionJoin
	if state != connJoined && !joinLike {
		d.ackError(conn, frame, apperr.New(apperr.NotJoined))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RPCTimeout)
	defer cancel()

	// correlationID tags the trace span for this RPC even when the client
	// sent no requestId (fire-and-forget style calls).
	correlationID := uuid.NewString()

	ctx, span := d.tracer.Start(ctx, frame.Event, trace.WithAttributes(
		attribute.String("connection.id", conn.id),
		attribute.String("correlation.id", correlationID),
	))
	defer span.End()

	started := d.clock.Now()

	type result struct {
		payload  map[string]any
		afterAck func()
		err      error
	}
	done := make(chan result, 1)
	go func() {
		payload, afterAck, err := handler(ctx, conn, frame.Payload)
		done <- result{payload, afterAck, err}
	}()

	select {
	case res := <-done:
		d.recordDuration(frame.Event, started)
		if res.err != nil {
			span.SetStatus(codes.Error, res.err.Error())
			d.recordError(frame.Event, apperr.KindOf(res.err))
			d.ackError(conn, frame, res.err)
			return
		}
		d.ackSuccess(conn, frame, res.payload)
		if res.afterAck != nil {
			res.afterAck()
		}
	case <-ctx.Done():
		d.recordDuration(frame.Event, started)
		d.recordError(frame.Event, apperr.Timeout)
		d.ackError(conn, frame, apperr.New(apperr.Timeout))

		// The handler may still be running. It already missed its ack, but
		// a late success still mutated the store, so the room still needs
		// to hear about it — only the ack itself is exactly-once.
		go func() {
			if res := <-done; res.err == nil && res.afterAck != nil {
				res.afterAck()
			}
		}()
	}
}

func (d *Dispatcher) recordDuration(op string, started time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.RPCDuration.WithLabelValues(op).Observe(d.clock.Now().Sub(started).Seconds())
}

func (d *Dispatcher) recordError(op string, kind apperr.Kind) {
	if d.metrics == nil {
		return
	}
	d.metrics.RPCErrors.WithLabelValues(op, string(kind)).Inc()
}

func (d *Dispatcher) ackSuccess(conn *connection, req Frame, payload map[string]any) {
	d.trySend(conn, Frame{
		Kind:      FrameAck,
		Event:     req.Event,
		RequestID: req.RequestID,
		OK:        true,
		Payload:   payload,
	})
}

func (d *Dispatcher) ackError(conn *connection, req Frame, err error) {
	kind := apperr.KindOf(err)
	message := err.Error()
	var tagged *apperr.Error
	if !errors.As(err, &tagged) {
		message = apperr.New(apperr.Internal).Error()
	}
	d.trySend(conn, Frame{
		Kind:      FrameAck,
		Event:     req.Event,
		RequestID: req.RequestID,
		OK:        false,
		Code:      string(kind),
		Error:     message,
	})
}

// emit sends event to a single connection.
func (d *Dispatcher) emit(conn *connection, event string, payload map[string]any) {
	d.trySend(conn, Frame{Kind: FrameEvent, Event: event, Payload: payload})
}

// broadcast delivers event to every member of sessionID's room except
// excludeConnID (pass "" to include everyone).
func (d *Dispatcher) broadcast(sessionID, event string, payload map[string]any, excludeConnID string) {
	d.mu.RLock()
	room := d.rooms[sessionID]
	targets := make([]*connection, 0, len(room))
	for id, c := range room {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	d.mu.RUnlock()

	for _, c := range targets {
		d.trySend(c, Frame{Kind: FrameEvent, Event: event, Payload: payload})
	}

	d.notifier.Notify(context.Background(), sessionID, event, payload)
}

// trySend delivers frame to conn's outbound queue, retrying briefly against
// a full buffer before dropping it — broadcast delivery is best-effort per
// spec.md §4.4.
func (d *Dispatcher) trySend(conn *connection, frame Frame) {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(5*time.Millisecond))
	ctx := context.Background()

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		select {
		case conn.send <- frame:
			return nil
		default:
			return retry.RetryableError(errFullQueue)
		}
	})
	if err != nil {
		d.logger.Warn(ctx, "dropping frame to slow consumer", "connID", conn.id, "event", frame.Event)
	}
}

func (d *Dispatcher) joinRoom(sessionID string, conn *connection) {
	d.mu.Lock()
	room, ok := d.rooms[sessionID]
	if !ok {
		room = make(map[string]*connection)
		d.rooms[sessionID] = room
	}
	room[conn.id] = conn
	d.mu.Unlock()
}

func (d *Dispatcher) leaveRoom(sessionID string, connID string) {
	d.mu.Lock()
	if room, ok := d.rooms[sessionID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(d.rooms, sessionID)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) handleDisconnect(conn *connection) {
	conn.close()

	d.mu.Lock()
	delete(d.conns, conn.id)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.ActiveConnections.Dec()
	}

	boundSession, ok := d.store.RemoveMember(conn.id)
	if !ok {
		return
	}
	d.leaveRoom(boundSession, conn.id)

	count := d.store.MemberCount(boundSession)
	d.broadcast(boundSession, EventMemberLeft, map[string]any{"memberCount": count}, "")
}

// BroadcastSessionExpired notifies every current member of sessionID that
// their session has been evicted, then drops the room. Called by the
// cleanup scheduler before it deletes the session from the store.
func (d *Dispatcher) BroadcastSessionExpired(sessionID, reason string) {
	d.broadcast(sessionID, EventSessionExpired, map[string]any{
		"id":     sessionID,
		"reason": reason,
	}, "")

	d.mu.Lock()
	room := d.rooms[sessionID]
	delete(d.rooms, sessionID)
	d.mu.Unlock()

	for _, c := range room {
		c.clearSession()
	}
}
