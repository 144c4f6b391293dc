package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"telechat/internal/chat"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 12 * time.Second
	pingPeriod   = 3 * time.Second // must be < pongWait
	eventTimeout = 10 * time.Second
)

type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	ReadLimit      int64
}

type WsServer struct {
	sup      *chat.Supervisor
	router   *Router
	upgrader websocket.Upgrader
	opts     Options
}

func NewWsServer(sup *chat.Supervisor, opts Options) *WsServer {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	srv := &WsServer{
		sup:      sup,
		router:   NewRouter(),
		upgrader: createUpgrader(opts.AllowedOrigins),
		opts:     opts,
	}
	srv.registerHandlers() // ← all WS endpoints configured here
	return srv
}

// createUpgrader accepts any origin when the list is empty or contains "*".
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 || allowed["*"] {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		},
	}
}

// ---------------------------------------------------------------------------
//  Public: Gin entry‑point
// ---------------------------------------------------------------------------

func (s *WsServer) Handle(ginCtx *gin.Context) {
	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(s.opts.ReadLimit)

	conn := newClientConn(rawConn, s.opts.SendBuffer)
	connID := s.sup.Connect(conn)

	go conn.writePump()
	go s.reader(&ConnContext{ConnID: connID, Remote: ginCtx.ClientIP()}, conn)
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) registerHandlers() {
	Register(s.router, EventJoinUser,
		func(ctx context.Context, cc *ConnContext, req chat.JoinUserRequest) error {
			return s.sup.JoinUser(ctx, cc.ConnID, req)
		})
	Register(s.router, EventJoinAppointment,
		func(ctx context.Context, cc *ConnContext, req chat.JoinAppointmentRequest) error {
			return s.sup.JoinAppointment(ctx, cc.ConnID, req)
		})
	Register(s.router, EventLeaveAppointment,
		func(ctx context.Context, cc *ConnContext, req chat.JoinAppointmentRequest) error {
			return s.sup.LeaveAppointment(ctx, cc.ConnID, req)
		})
	Register(s.router, EventSendMessage,
		func(ctx context.Context, cc *ConnContext, req chat.SendRequest) error {
			return s.sup.SendMessage(ctx, cc.ConnID, req)
		})
	Register(s.router, EventMarkRead,
		func(ctx context.Context, cc *ConnContext, req chat.MarkReadRequest) error {
			return s.sup.MarkRead(ctx, cc.ConnID, req)
		})
	Register(s.router, EventGetMessages,
		func(ctx context.Context, cc *ConnContext, req chat.HistoryRequest) error {
			return s.sup.GetMessages(ctx, cc.ConnID, req)
		})
}

// reader processes the connection's frames one at a time and runs the
// disconnect cascade when the socket goes away.
func (s *WsServer) reader(cc *ConnContext, conn *clientConn) {
	defer func() {
		s.sup.Disconnect(cc.ConnID)
		conn.Close()
	}()

	_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.rawConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zap.L().Debug("ws.read", zap.String("conn", string(cc.ConnID)), zap.Error(err))
			}
			return // client closed or errored
		}

		// a frame that is not an envelope is reported, the socket stays open
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.sup.Reject(cc.ConnID, &decodeError{fmt.Errorf("malformed frame: %w", err)})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		err = s.router.dispatch(ctx, cc, env)
		cancel()

		// handler errors were already reported to the client by the supervisor
		var de *decodeError
		if errors.As(err, &de) {
			s.sup.Reject(cc.ConnID, de)
		}
	}
}
