package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"worksheetroomgo/internal/services/identity"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 12 * time.Second
	pingPeriod     = 3 * time.Second // must be < pongWait
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true }, // dev‑only
}

type WsServer struct {
	hub         *Hub
	identitySvc identity.IIdentityService
}

func NewWsServer(h *Hub, identitySvc identity.IIdentityService) *WsServer {
	return &WsServer{
		hub:         h,
		identitySvc: identitySvc,
	}
}

// ---------------------------------------------------------------------------
//  Public: Gin entry‑point
// ---------------------------------------------------------------------------

func (s *WsServer) Handle(ginCtx *gin.Context) {
	worksheetID := ginCtx.Query("worksheet_id")
	token := ginCtx.Query("token")
	if worksheetID == "" || token == "" {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "worksheet_id and token are required"})
		return
	}

	ident, err := s.identitySvc.Verify(ginCtx.Request.Context(), token)
	if err != nil {
		ginCtx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	rawConn, err := upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.upgrade", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(maxMessageSize)

	// ─────────────────── Client joined ────────────────────────
	sess := &session{
		id:       newID(),
		userID:   ident.UserID,
		userName: ident.UserName,
		conn:     rawConn,
	}
	room := s.hub.Join(worksheetID, sess)

	go s.reader(room, sess, rawConn)
	go s.pinger(sess)
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

// reader pumps frames into the room queue. Any read error, graceful close
// included, runs the same leave path.
func (s *WsServer) reader(room *Room, sess *session, rawConn *websocket.Conn) {
	defer s.hub.Leave(room, sess)

	_ = rawConn.SetReadDeadline(time.Now().Add(pongWait))
	rawConn.SetPongHandler(func(string) error {
		return rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := rawConn.ReadMessage()
		if err != nil {
			return // client closed or errored
		}
		room.Submit(sess, data)
	}
}

func (s *WsServer) pinger(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if err := sess.write(websocket.PingMessage, nil); err != nil {
			sess.close()
			return
		}
	}
}
