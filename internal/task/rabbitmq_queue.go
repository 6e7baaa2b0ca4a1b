package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Stochastic-Bridge/internal/errors"
)

// DefaultRabbitMQQueue 是未配置队列名时声明的队列。
const DefaultRabbitMQQueue = "stochastic.completions"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 以 RabbitMQ 持久化消息承载任务 ID。
// 发布共用一个 channel 并串行化；每次 Consume 单独开 channel，手动确认。
type RabbitMQQueue struct {
	conn     *amqp.Connection
	queue    string
	prefetch int

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// NewRabbitMQQueue 连接 broker 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{queue: cfg.Queue, prefetch: cfg.Prefetch}
	if q.queue == "" {
		q.queue = DefaultRabbitMQQueue
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	q.conn = conn
	q.pubCh = ch
	return q, nil
}

// Publish 以持久化模式投递任务 ID。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.pubCh == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err := q.pubCh.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    taskID,
		Timestamp:    time.Now(),
		Body:         []byte(taskID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	return nil
}

// Consume 订阅队列直到 ctx 结束。处理失败的消息 Nack 后由 broker 重新投递；
// 连接或 channel 意外关闭时返回 QUEUE_FAILURE。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	workerCount = max(workerCount, 1)

	ch, err := q.conn.Channel()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ 消费 channel 失败")
	}
	defer ch.Close()

	prefetch := q.prefetch
	if prefetch <= 0 {
		prefetch = workerCount
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
	}

	tag := "stochastic-" + uuid.NewString()
	deliveries, err := ch.Consume(q.queue, tag, false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range deliveries {
				if err := handler(ctx, string(msg.Body)); err != nil {
					_ = msg.Nack(false, true)
					continue
				}
				_ = msg.Ack(false)
			}
		}()
	}

	// deliveries 在 Cancel 或 channel 关闭后由客户端库关闭，worker 随之退出。
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	select {
	case <-ctx.Done():
		_ = ch.Cancel(tag, false)
		<-workersDone
		return ctx.Err()
	case <-workersDone:
		if err := ctx.Err(); err != nil {
			return err
		}
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 订阅意外结束")
	}
}

// Close 关闭发布 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if q.pubCh != nil {
		_ = q.pubCh.Close()
	}
	return q.conn.Close()
}

var _ Queue = (*RabbitMQQueue)(nil)
