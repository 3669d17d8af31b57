package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
	"github.com/Cloud-V/Backend-sub002/internal/job"
	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// Close codes sent to stream clients.
const (
	closeAlreadyInitialized = 4000
	closeInitTimeout        = 4001
	closeJobCompleted       = 4999
)

// InitTimeout bounds the wait for the init message.
var InitTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the upstream proxy
	},
}

// WebSocketConnection streams the progress of one job
type WebSocketConnection struct {
	conn       *websocket.Conn
	user       string
	eventBus   chan types.WebSocketMessage
	sent       chan struct{}
	jobManager *job.Manager
	logger     *logrus.Entry
	mutex      sync.Mutex
	started    bool
	closed     bool
}

// HandleWebSocket accepts a job over a WebSocket and streams its stage
// events followed by a result or an error message
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	wsConn := &WebSocketConnection{
		conn:       conn,
		user:       r.Header.Get(UserHeader),
		eventBus:   make(chan types.WebSocketMessage, 100),
		sent:       make(chan struct{}),
		jobManager: h.jobManager,
		logger:     h.logger.WithField("component", "websocket"),
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	go wsConn.eventSender()

	initTimeout := time.AfterFunc(InitTimeout, func() {
		if !wsConn.isStarted() {
			wsConn.sendError("Initialization timeout")
			wsConn.close(closeInitTimeout, "Initialization Timeout")
		}
	})
	defer initTimeout.Stop()

	wsConn.handleMessages(r.Context())
}

// handleMessages reads client messages until the connection closes. Only
// one init is accepted per connection.
func (wsConn *WebSocketConnection) handleMessages(ctx context.Context) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		wsConn.close(websocket.CloseNormalClosure, "Connection closed")
	}()

	for {
		var msg types.WebSocketMessage
		if err := wsConn.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, closeJobCompleted) {
				wsConn.logger.WithError(err).Debug("WebSocket read ended")
			}
			return
		}
		wsConn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if msg.Type != "init" {
			wsConn.sendError("Unknown message type: " + msg.Type)
			continue
		}
		if wsConn.isStarted() {
			wsConn.close(closeAlreadyInitialized, "Already Initialized")
			return
		}
		wsConn.setStarted()

		wg.Add(1)
		go func() {
			defer wg.Done()
			wsConn.executeJob(ctx, msg)
		}()
	}
}

// executeJob runs the requested job, forwarding its events
func (wsConn *WebSocketConnection) executeJob(ctx context.Context, msg types.WebSocketMessage) {
	defer wsConn.close(closeJobCompleted, "Job Completed")

	call := job.Call{
		User:   wsConn.user,
		RepoID: msg.RepoID,
		Observer: func(e job.Event) {
			out := types.WebSocketMessage{Type: "stage", Kind: e.Kind, Stage: e.Stage, Payload: map[string]string{"job_id": e.JobID}}
			if e.Err != nil {
				_, out.Error = apperrors.Public(e.Err)
			}
			wsConn.sendMessage(out)
		},
	}

	result, err := wsConn.run(ctx, call, msg)
	if err != nil {
		_, message := apperrors.Public(err)
		wsConn.sendError(message)
		return
	}

	wsConn.sendMessage(types.WebSocketMessage{
		Type:    "result",
		Kind:    msg.Kind,
		Payload: result,
	})
}

func (wsConn *WebSocketConnection) run(ctx context.Context, call job.Call, msg types.WebSocketMessage) (*job.Result, error) {
	m := wsConn.jobManager
	switch msg.Kind {
	case types.KindSynthesis:
		var req types.SynthesisRequest
		if err := decodeRequest(msg.Request, &req); err != nil {
			return nil, err
		}
		return m.Synthesize(ctx, call, req)
	case types.KindSimulation:
		var req types.SimulationRequest
		if err := decodeRequest(msg.Request, &req); err != nil {
			return nil, err
		}
		return m.SimulateTestbench(ctx, call, req)
	case types.KindNetlistSimulation:
		var req types.NetlistSimulationRequest
		if err := decodeRequest(msg.Request, &req); err != nil {
			return nil, err
		}
		return m.SimulateNetlist(ctx, call, req)
	case types.KindBitstream:
		var req types.BitstreamRequest
		if err := decodeRequest(msg.Request, &req); err != nil {
			return nil, err
		}
		return m.GenerateBitstream(ctx, call, req)
	case types.KindCompilation:
		var req types.CompilationRequest
		if err := decodeRequest(msg.Request, &req); err != nil {
			return nil, err
		}
		return m.CompileSoftware(ctx, call, req)
	case types.KindValidation:
		var req types.ValidationRequest
		if err := decodeRequest(msg.Request, &req); err != nil {
			return nil, err
		}
		return m.ValidateTopModule(ctx, call, req)
	default:
		return nil, apperrors.NewInvalidRequest("Unknown job kind: " + string(msg.Kind))
	}
}

func decodeRequest(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperrors.NewInvalidRequest("request is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewInvalidRequest("Invalid job request")
	}
	return nil
}

func (wsConn *WebSocketConnection) isStarted() bool {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()
	return wsConn.started
}

func (wsConn *WebSocketConnection) setStarted() {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()
	wsConn.started = true
}

// eventSender writes queued events to the client in order
func (wsConn *WebSocketConnection) eventSender() {
	defer close(wsConn.sent)
	for event := range wsConn.eventBus {
		wsConn.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := wsConn.conn.WriteJSON(event); err != nil {
			wsConn.logger.WithError(err).Error("Failed to send WebSocket message")
			return
		}
	}
}

// sendMessage queues a message for the client. Messages after close are
// dropped.
func (wsConn *WebSocketConnection) sendMessage(msg types.WebSocketMessage) {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()
	if wsConn.closed {
		return
	}

	select {
	case wsConn.eventBus <- msg:
	default:
		wsConn.logger.Warn("Event bus full, dropping message")
	}
}

// sendError sends an error message
func (wsConn *WebSocketConnection) sendError(message string) {
	wsConn.sendMessage(types.WebSocketMessage{
		Type:  "error",
		Error: message,
	})
}

// close flushes queued events and closes the connection once
func (wsConn *WebSocketConnection) close(code int, message string) {
	wsConn.mutex.Lock()
	if wsConn.closed {
		wsConn.mutex.Unlock()
		return
	}
	wsConn.closed = true
	close(wsConn.eventBus)
	wsConn.mutex.Unlock()

	select {
	case <-wsConn.sent:
	case <-time.After(time.Second):
	}

	wsConn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message),
		time.Now().Add(time.Second))

	wsConn.conn.Close()
}
