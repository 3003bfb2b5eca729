package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/hospiboard/internal/feedsync"
	"github.com/hitoshi/hospiboard/internal/membership"
	"github.com/hitoshi/hospiboard/internal/session"
)

const (
	liveWriteTimeout = 10 * time.Second
	livePongWait     = 60 * time.Second
	livePingPeriod   = livePongWait * 9 / 10
	liveReadLimit    = 512
)

// ライブストリームで配信するトピック
const (
	TopicSession     = "session"
	TopicCommunities = "communities"
	TopicFeed        = "feed"
)

var liveTopics = []string{TopicSession, TopicCommunities, TopicFeed}

// liveMessage はライブストリームの1メッセージ。
type liveMessage struct {
	Topic string `json:"topic"`
	State any    `json:"state"`
}

// LiveHandler は各同期コンポーネントの状態変化をWebSocketで配信する。
type LiveHandler struct {
	session     SessionServiceInterface
	communities CommunityServiceInterface
	feed        FeedServiceInterface
	upgrader    websocket.Upgrader
}

// NewLiveHandler はLiveHandlerを生成する。
// allowedOriginと異なるOriginからの接続は拒否する。Originなしの接続は許可する。
func NewLiveHandler(s SessionServiceInterface, c CommunityServiceInterface, f FeedServiceInterface, allowedOrigin string) *LiveHandler {
	return &LiveHandler{
		session:     s,
		communities: c,
		feed:        f,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// dirtySet は未送信の更新があるトピックを保持する。
// 配信側は送信時点の最新状態を読むため、連続した更新は1回の送信にまとめられる。
type dirtySet struct {
	mu     sync.Mutex
	topics map[string]bool
	signal chan struct{}
}

func newDirtySet() *dirtySet {
	return &dirtySet{
		topics: make(map[string]bool),
		signal: make(chan struct{}, 1),
	}
}

func (d *dirtySet) mark(topic string) {
	d.mu.Lock()
	d.topics[topic] = true
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dirtySet) take() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.topics))
	for _, t := range liveTopics {
		if d.topics[t] {
			out = append(out, t)
		}
	}
	clear(d.topics)
	return out
}

// Stream はWebSocket接続を確立し、接続直後に全トピックの状態を送信したあと、
// 変化のあったトピックの状態を送り続ける。クライアントからのメッセージは読み捨てる。
// GET /api/live
func (h *LiveHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dirty := newDirtySet()
	unsubs := []func(){
		h.session.Subscribe(func(session.State) { dirty.mark(TopicSession) }),
		h.communities.Subscribe(func(membership.State) { dirty.mark(TopicCommunities) }),
		h.feed.Subscribe(func(feedsync.State) { dirty.mark(TopicFeed) }),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()
	for _, t := range liveTopics {
		dirty.mark(t)
	}

	go h.readLoop(conn, cancel)

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-dirty.signal:
			for _, topic := range dirty.take() {
				conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
				if err := conn.WriteJSON(liveMessage{Topic: topic, State: h.snapshot(topic)}); err != nil {
					slog.Debug("websocket write failed", slog.String("error", err.Error()))
					return
				}
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("websocket ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// readLoop は切断を検知するために受信を続け、終了時にcancelを呼ぶ。
func (h *LiveHandler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(liveReadLimit)
	conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LiveHandler) snapshot(topic string) any {
	switch topic {
	case TopicSession:
		return toSessionStateResponse(h.session.State())
	case TopicCommunities:
		return toCommunitiesStateResponse(h.communities.State())
	default:
		return toFeedStateResponse(h.feed.State())
	}
}
