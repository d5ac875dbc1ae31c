package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"OpenACP/pkg/logger"
)

// AMQPConfig 描述飞行记录消息落点的连接参数。
type AMQPConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	BufferSize int    `json:"bufferSize"`
	Durable    bool   `json:"durable"`
}

// AMQPSink 把事件异步投递到 RabbitMQ，供下游的 SIEM 或告警系统
// 实时订阅。投递队列打满时丢弃并记日志，绝不阻塞治理管线。
type AMQPSink struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	events chan Event

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewAMQPSink 建立连接、声明队列并启动后台投递协程。
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "openacp.flight"
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}

	sink := &AMQPSink{
		conn:   conn,
		ch:     ch,
		queue:  queue,
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go sink.pump()
	return sink, nil
}

// Record 把事件压入投递缓冲。缓冲已满或落点已关闭时丢弃该事件并
// 记日志，绝不向已关闭的缓冲发送。
func (s *AMQPSink) Record(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		logger.WithTrace(event.TraceID).Warn("飞行记录消息落点已关闭，事件被丢弃",
			"kind", string(event.Kind), "stage", event.Stage)
		return nil
	}
	select {
	case s.events <- event:
		return nil
	default:
		logger.WithTrace(event.TraceID).Warn("飞行记录消息缓冲已满，事件被丢弃",
			"kind", string(event.Kind), "stage", event.Stage)
		return nil
	}
}

func (s *AMQPSink) pump() {
	defer close(s.done)
	for event := range s.events {
		body, err := event.payload()
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.UnixMilli(event.RecordedAt),
			Body:        body,
		})
		cancel()
		if err != nil {
			logger.WithTrace(event.TraceID).Warn("飞行记录消息投递失败",
				"queue", s.queue, "error", err)
		}
	}
}

// Close 停止接收新事件，待缓冲排空后关闭连接。
func (s *AMQPSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		select {
		case <-s.done:
		case <-time.After(10 * time.Second):
		}
		if s.ch != nil {
			_ = s.ch.Close()
		}
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}
