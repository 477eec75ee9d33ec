package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"LinguaChain/pkg/logger"
)

// SubscriberConfig 描述订阅协议后台事件流所需的参数。
type SubscriberConfig struct {
	// URL 是协议后台的 websocket 入口。
	URL string
	// APIKey 在握手阶段作为 Bearer 令牌发送。
	APIKey string
	// Rooms 是订阅的智能体 DID 列表，后台只推送这些房间的事件。
	Rooms []string
	// PingInterval 控制心跳周期，零值使用默认值。
	PingInterval time.Duration
}

// Subscriber 将协议后台的 websocket 事件流适配为 Consumer，
// 事件串行交给处理函数，与队列驱动可以互换。
type Subscriber struct {
	cfg  SubscriberConfig
	conn *websocket.Conn
}

const defaultPingInterval = 30 * time.Second

// NewSubscriber 创建事件流订阅器。
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("未配置事件流地址")
	}
	if len(cfg.Rooms) == 0 {
		return nil, errors.New("订阅房间不能为空")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Subscriber{cfg: cfg}, nil
}

// Consume 建立连接并串行分发事件，直到上下文取消或连接中断。
// workerCount 对订阅器无意义，保留参数只为满足 Consumer 接口。
func (s *Subscriber) Consume(ctx context.Context, _ int, handler Handler) error {
	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("连接事件流失败: %w", err)
	}
	s.conn = conn
	defer conn.Close()

	join := map[string]any{
		"action": "join",
		"rooms":  s.cfg.Rooms,
	}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("加入事件房间失败: %w", err)
	}

	// 上下文取消时主动断开连接，让 ReadMessage 返回。
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	rooms := make(map[string]struct{}, len(s.cfg.Rooms))
	for _, room := range s.cfg.Rooms {
		rooms[room] = struct{}{}
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("读取事件流失败: %w", err)
		}
		ev, err := Decode(payload)
		if err != nil {
			logger.L().Warn("丢弃无法解析的事件", slog.String("payload", string(payload)), slog.Any("error", err))
			continue
		}
		if ev.DID != "" {
			if _, ok := rooms[ev.DID]; !ok {
				continue
			}
		}
		if err := handler(ctx, ev); err != nil {
			logger.L().Error("事件处理失败",
				slog.String("kind", string(ev.Kind)),
				slog.String("task_id", ev.TaskID),
				slog.String("step_id", ev.StepID),
				slog.Any("error", err),
			)
		}
	}
}

// Close 断开事件流连接。
func (s *Subscriber) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
