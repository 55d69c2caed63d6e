package relay

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relaymesh/relay/internal/apperror"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/internal/token"
)

// Server upgrades authenticated handshakes into hub connections.
type Server struct {
	manager        *Manager
	codec          *token.Codec
	allowedOrigins []string
	production     bool
	upgrader       websocket.Upgrader
}

// NewServer creates the websocket entry point for the relay.
func NewServer(manager *Manager, codec *token.Codec, allowedOrigins []string, production bool) *Server {
	return &Server{
		manager:        manager,
		codec:          codec,
		allowedOrigins: allowedOrigins,
		production:     production,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced before the upgrade so rejections
			// carry a proper JSON error instead of a bare 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS is the GET /v1/ws handshake. It authenticates the join token,
// upgrades the connection and runs the read loop until the peer goes away.
func (s *Server) HandleWS(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.String(http.StatusUpgradeRequired, "Upgrade required")
		return
	}

	if origin := c.GetHeader("Origin"); origin != "" && !s.originAllowed(origin) {
		apperror.Abort(c, apperror.New(http.StatusForbidden, apperror.CodeForbidden, "origin not allowed"))
		return
	}

	raw := bearerToken(c)
	if raw == "" {
		apperror.Abort(c, apperror.New(http.StatusUnauthorized, apperror.CodeUnauthorized, "missing session token"))
		return
	}

	claims, err := s.codec.VerifyJoin(raw)
	if err != nil {
		logger.Debugf("[ws] rejected token: %v", err)
		apperror.Abort(c, apperror.New(http.StatusUnauthorized, apperror.CodeUnauthorized, "invalid session token"))
		return
	}

	role, ok := ParseRole(claims.Role)
	if !ok || claims.SessionID == "" {
		apperror.Abort(c, apperror.New(http.StatusUnauthorized, apperror.CodeUnauthorized, "invalid session token"))
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		logger.Warnf("[ws] upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	conn, err := s.manager.Join(c.Request.Context(), claims.SessionID, role, &wsTransport{ws: ws})
	if err != nil {
		logger.Warnf("[ws] join session %s: %v", claims.SessionID, err)
		_ = ws.Close()
		return
	}
	logger.Infof("[ws] session %s: %s connected conn=%s", claims.SessionID, role, conn.ID())

	// Read loop. Graceful closes and transport errors end it the same way.
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		conn.HandleFrame(data)
	}
	conn.Leave()
	logger.Debugf("[ws] session %s: conn=%s disconnected", claims.SessionID, conn.ID())
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == origin {
			return true
		}
	}
	// Production admits only origins named in the allow-list. The wildcard
	// and the localhost fallback are development conveniences.
	if s.production {
		return false
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return true
		}
	}
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1")
}

// bearerToken pulls the join token from the Authorization header, falling
// back to the token query parameter for browser websocket clients that
// cannot set headers.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

// wsTransport adapts a gorilla connection to the hub's write surface. The
// owning hub goroutine is the only writer, so no locking is needed.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) WriteText(data []byte) error {
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) WriteClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return t.ws.WriteMessage(websocket.CloseMessage, msg)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}
