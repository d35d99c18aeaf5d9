// Package transport owns the WebSocket edge: connection upgrades, the
// per-connection read/write pumps, and the message dispatch loop that
// serializes every state mutation behind a single lock.
package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/portalbot/server/internal/v1/control"
	"github.com/portalbot/server/internal/v1/logging"
	"github.com/portalbot/server/internal/v1/metrics"
	"github.com/portalbot/server/internal/v1/protocol"
	"github.com/portalbot/server/internal/v1/ratelimit"
	"github.com/portalbot/server/internal/v1/registry"
	"github.com/portalbot/server/internal/v1/signaling"
	"github.com/portalbot/server/internal/v1/space"
	"github.com/portalbot/server/internal/v1/types"
)

var errSpaceRequired = errors.New("Space name is required")

// Hub accepts connections and dispatches decoded frames to the registry,
// space manager, control arbiter, and signaling router.
//
// Concurrency: each connection runs its own read/write pumps, but every
// handler invocation — and therefore every mutation of shared state — is
// serialized behind h.mu. Outbound sends only enqueue to per-client
// buffered channels, so no handler blocks on a slow peer while holding
// the lock.
type Hub struct {
	mu sync.Mutex // Serializes all handler state mutations

	registry *registry.Registry
	spaces   *space.Manager
	arbiter  *control.Arbiter
	signals  *signaling.Router

	allowedOrigins []string
	rateLimiter    *ratelimit.RateLimiter // nil disables connect limiting
}

// NewHub wires the hub to the core components.
func NewHub(reg *registry.Registry, spaces *space.Manager, arbiter *control.Arbiter, signals *signaling.Router, allowedOrigins []string, rl *ratelimit.RateLimiter) *Hub {
	return &Hub{
		registry:       reg,
		spaces:         spaces,
		arbiter:        arbiter,
		signals:        signals,
		allowedOrigins: allowedOrigins,
		rateLimiter:    rl,
	}
}

// ServeWs upgrades an HTTP request to a WebSocket connection, registers
// the client, sends the connected frame, and starts the pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // Allow non-browser clients (robots, tests)
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}

			for _, allowed := range h.allowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	h.HandleConnection(conn)
}

// HandleConnection takes an established WebSocket connection, assigns the
// client id, and starts the message pumps. Split out from ServeWs so tests
// can drive the hub with a fake connection.
func (h *Hub) HandleConnection(conn wsConnection) *Client {
	client := newClient(conn, h)

	h.mu.Lock()
	record := h.registry.Add(client)
	h.mu.Unlock()
	client.id = record.ID

	metrics.IncConnection()
	logging.Info(context.Background(), "Client connected", zap.String("client_id", string(client.id)))

	client.Send(protocol.TypeConnected, protocol.ConnectedPayload{SID: string(client.id)})

	go client.writePump()
	go client.readPump()
	return client
}

// dispatch decodes one frame and routes it by type. The whole handler
// invocation runs under h.mu.
func (h *Hub) dispatch(client *Client, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		logging.Warn(context.Background(), "Invalid JSON received",
			zap.String("client_id", string(client.id)))
		client.Send(protocol.TypeError, protocol.ErrorPayload{Message: "Invalid JSON"})
		return
	}

	timer := prometheus.NewTimer(metrics.MessageProcessingDuration.WithLabelValues(env.Type))
	defer timer.ObserveDuration()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.route(client.id, env); err != nil {
		metrics.WebsocketEvents.WithLabelValues(env.Type, "error").Inc()
		h.registry.Send(client.id, protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})
		return
	}
	metrics.WebsocketEvents.WithLabelValues(env.Type, "ok").Inc()
}

// route is the exhaustive match over the wire contract's message kinds.
// A returned error is surfaced to the sender as a single error frame; the
// connection stays open.
func (h *Hub) route(clientID types.ClientIDType, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypePing:
		h.registry.Send(clientID, protocol.TypePong, struct{}{})
		return nil

	case protocol.TypeJoinSpace:
		var p protocol.JoinSpacePayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		if p.Space == "" {
			return errSpaceRequired
		}
		spaceID := types.SpaceIDType(p.Space)
		if cur := h.registry.Space(clientID); cur != "" && cur != spaceID {
			// Switching spaces implies leaving the old one first: the
			// lease, queue slot, and membership all go with it.
			h.arbiter.HandleLeave(clientID)
			h.spaces.Leave(clientID)
		}
		return h.spaces.JoinSpace(clientID, spaceID)

	case protocol.TypeLeaveSpace:
		h.arbiter.HandleLeave(clientID)
		h.spaces.Leave(clientID)
		return nil

	case protocol.TypeRobotIdentify:
		var p protocol.RobotIdentifyPayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		return h.arbiter.HandleRobotIdentify(clientID, p)

	case protocol.TypeControlRequest:
		return h.arbiter.HandleControlRequest(clientID)

	case protocol.TypeControlGranted:
		return h.arbiter.HandleControlGranted(clientID)

	case protocol.TypeControlRelease:
		h.arbiter.HandleControlRelease(clientID)
		return nil

	case protocol.TypeSetAngles:
		var p protocol.SetAnglesPayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		return h.arbiter.HandleSetAngles(clientID, p)

	case protocol.TypeOffer:
		var p protocol.OfferPayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		h.signals.HandleOffer(clientID, p)
		return nil

	case protocol.TypeAnswer:
		var p protocol.AnswerPayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		h.signals.HandleAnswer(clientID, p)
		return nil

	case protocol.TypeICECandidate:
		var p protocol.ICECandidatePayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		h.signals.HandleICECandidate(clientID, p)
		return nil

	case protocol.TypeControlOffer:
		var p protocol.OfferPayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		return h.signals.HandleControlOffer(clientID, p)

	case protocol.TypeControlAnswer:
		var p protocol.AnswerPayload
		if err := env.DecodeData(&p); err != nil {
			return err
		}
		return h.signals.HandleControlAnswer(clientID, p)

	default:
		logging.Warn(context.Background(), "Unknown message type received",
			zap.String("client_id", string(clientID)), zap.String("type", env.Type))
		metrics.WebsocketEvents.WithLabelValues(env.Type, "unknown").Inc()
		return nil
	}
}

// handleDisconnect runs the disconnect cascade exactly once, in order:
// control release/queue flush, space leave, registry cleanup.
func (h *Hub) handleDisconnect(client *Client) {
	client.cascadeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		h.arbiter.HandleDisconnect(client.id)
		h.spaces.Leave(client.id)
		h.registry.Cleanup(client.id)

		logging.Info(context.Background(), "Client disconnected", zap.String("client_id", string(client.id)))
	})
	client.Close()
}

// Shutdown closes every live connection. The read loops observe the close
// and run their own cascades.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all connections")

	h.mu.Lock()
	senders := h.registry.Senders()
	h.mu.Unlock()

	for _, s := range senders {
		s.Close()
	}

	logging.Info(ctx, "All connections closed", zap.Int("count", len(senders)))
	return nil
}
