package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"chatwiki/backend/internal/collab"
	"chatwiki/backend/internal/gateway"
)

type Options struct {
	// 每个连接每秒允许的入站消息数与突发量
	RateLimit float64
	Burst     int
	// Origin 前缀白名单，空表示只允许本地开发环境
	AllowedOrigins []string
}

type Manager struct {
	gw       *gateway.Gateway
	sem      *collab.SemaphoreControl
	opt      Options
	upgrader websocket.Upgrader
}

func NewManager(gw *gateway.Gateway, sem *collab.SemaphoreControl, opt Options) *Manager {
	if opt.RateLimit <= 0 {
		opt.RateLimit = 20
	}
	if opt.Burst <= 0 {
		opt.Burst = 40
	}
	if len(opt.AllowedOrigins) == 0 {
		opt.AllowedOrigins = []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
	}
	m := &Manager{gw: gw, sem: sem, opt: opt}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect 需要放在鉴权中间件之后，userId / username 由中间件写入
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	h := m.gw.Connect(ctx, userID, username)
	wsConn := NewConn(conn, m.gw, h, username, rate.NewLimiter(rate.Limit(m.opt.RateLimit), m.opt.Burst), m.sem)

	// 先放 welcome，再启动写循环
	wsConn.enqueue(WelcomeMessage{Type: TypeWelcome, SessionID: h.SessionID, UserID: userID, Username: username})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		wsConn.writeLoop()
	}()

	// 读循环阻塞至连接关闭
	wsConn.readLoop(ctx)

	close(wsConn.done)
	<-writerDone
	_ = m.gw.Disconnect(h.SessionID)
}
