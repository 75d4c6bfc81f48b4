package service

import (
	"sync"
	"time"

	"avatar-studio/app/logger"
	"avatar-studio/app/pipeline"

	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	progressTTL       = time.Hour
	progressWriteWait = 10 * time.Second
)

// subscriber 单个 websocket 连接，写操作串行化
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) send(state pipeline.ProgressState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(state)
}

// write 调用方需持有 s.mu
func (s *subscriber) write(state pipeline.ProgressState) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
	if err := s.conn.WriteJSON(state); err != nil {
		return err
	}
	if state.CurrentStep.IsTerminal() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(state.CurrentStep))
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(progressWriteWait))
	}
	return nil
}

// ProgressHub 保存每个任务的最新进度，并推送给订阅的 websocket 连接
type ProgressHub struct {
	log    *logger.Logger
	latest *cache.Cache

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

var _ pipeline.ProgressReporter = (*ProgressHub)(nil)

// NewProgressHub 创建进度中心，快照保留一小时
func NewProgressHub(log *logger.Logger) *ProgressHub {
	return &ProgressHub{
		log:    log,
		latest: cache.New(progressTTL, 10*time.Minute),
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// OnProgress 记录快照并广播
func (h *ProgressHub) OnProgress(state pipeline.ProgressState) {
	// 快照写入与订阅者列表读取在同一把锁内, 与 Attach 的注册互斥
	h.mu.RLock()
	h.latest.Set(state.JobID, state, cache.DefaultExpiration)
	subs := make([]*subscriber, 0, len(h.subs[state.JobID]))
	for s := range h.subs[state.JobID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	h.broadcast(state, subs)
}

// Latest 返回任务的最新进度
func (h *ProgressHub) Latest(jobID string) (pipeline.ProgressState, bool) {
	v, ok := h.latest.Get(jobID)
	if !ok {
		return pipeline.ProgressState{}, false
	}
	state, ok := v.(pipeline.ProgressState)
	return state, ok
}

// Attach 订阅任务进度，阻塞到连接关闭；已有快照时先推送一次
func (h *ProgressHub) Attach(jobID string, conn *websocket.Conn) {
	sub := &subscriber{conn: conn}
	defer conn.Close()

	// 读取快照和注册必须原子完成, 否则两者之间的进度会丢失;
	// 先锁住 sub 再注册, 保证快照排在后续广播之前发出
	h.mu.Lock()
	state, hasSnapshot := h.Latest(jobID)
	if hasSnapshot && state.CurrentStep.IsTerminal() {
		h.mu.Unlock()
		_ = sub.send(state)
		return
	}
	sub.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()
	defer h.remove(jobID, sub)

	var err error
	if hasSnapshot {
		err = sub.write(state)
	}
	sub.mu.Unlock()
	if err != nil {
		return
	}

	// 只读取控制帧，客户端断开时退出
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Subscribers 当前订阅某任务的连接数
func (h *ProgressHub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

func (h *ProgressHub) broadcast(state pipeline.ProgressState, subs []*subscriber) {
	for _, s := range subs {
		if err := s.send(state); err != nil {
			h.log.Debug("推送进度失败，移除订阅", zap.String("job_id", state.JobID), zap.Error(err))
			h.remove(state.JobID, s)
			_ = s.conn.Close()
		}
	}
}

func (h *ProgressHub) remove(jobID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs[jobID], sub)
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}
