package http_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/abrar71/swaggerfilesv2" // swagger embed files

	"telechat/internal/http/chathandler"
	"telechat/internal/ws"
)

const disposeTimeout = 10 * time.Second

type httpServer struct {
	listenPort     uint16
	allowedOrigins []string
	srv            http.Server
	ln             net.Listener
	wsSrv          *ws.WsServer
	handler        *chathandler.Handler
}

func NewHttpServer(listenPort uint16, allowedOrigins []string, wsSrv *ws.WsServer, handler *chathandler.Handler) *httpServer {
	return &httpServer{
		listenPort:     listenPort,
		allowedOrigins: allowedOrigins,
		wsSrv:          wsSrv,
		handler:        handler,
	}
}

// Routes builds the handler tree served by Start.
func (h *httpServer) Routes() http.Handler {
	routerEngine := gin.New()

	// Swagger UI and API specs
	routerEngine.StaticFS("/swagger-apis", http.FS(swaggerfilesv2.FS))

	routerEngine.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	routerEngine.Use(ginzap.RecoveryWithZap(zap.L(), true))

	// websocket endpoint
	routerEngine.GET("/ws", h.wsSrv.Handle)

	// REST API
	h.handler.Register(routerEngine)

	origins := h.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	return c.Handler(routerEngine)
}

func (h *httpServer) Start() error {
	var err error
	listenAddr := fmt.Sprintf(":%d", h.listenPort)
	h.ln, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	h.srv = http.Server{
		Handler: h.Routes(),
	}
	zap.L().Info("http_listen", zap.String("addr", listenAddr))

	if err := h.srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Dispose gracefully shuts the HTTP server down.
// It waits up to 10 s for in‑flight requests to finish. Hijacked websocket
// connections are not tracked by the server and must be closed separately.
func (h *httpServer) Dispose(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, disposeTimeout)
	defer cancel()

	if err := h.srv.Shutdown(ctx); err != nil {
		zap.L().Error("http_dispose", zap.Error(err))
		return err
	}
	return nil
}
