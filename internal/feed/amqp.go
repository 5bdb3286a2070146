package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures an AMQP queue source.
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int

	// ConsumerTag identifies this consumer to the broker. Default: a UUIDv7.
	ConsumerTag string
}

// closeCauseWait bounds how long Receive waits for the broker's close reason
// after the delivery channel has closed.
const closeCauseWait = 100 * time.Millisecond

// errDeliveriesClosed is the loss cause when the broker reported none.
var errDeliveriesClosed = errors.New("delivery channel closed")

// deadLetterExchange is the exchange nacked deliveries of queue are routed to.
func deadLetterExchange(queue string) string { return queue + ".dlx" }

// deadLetterQueue is bound to the dead-letter exchange of queue.
func deadLetterQueue(queue string) string { return queue + ".dead" }

// AMQP is a Source consuming a durable RabbitMQ queue with manual acks.
//
// The queue is declared with a dead-letter exchange, so Nack(false) parks a
// delivery in "<queue>.dead" instead of dropping it.
type AMQP struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	tag        string
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger

	// connClosed and chClosed report why the broker side went away.
	connClosed <-chan *amqp.Error
	chClosed   <-chan *amqp.Error
	closed     atomic.Bool
}

// DialAMQP connects, declares the queue topology and starts consuming.
func DialAMQP(cfg AMQPConfig, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("dial amqp: queue name is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "txlife-" + uuid.Must(uuid.NewV7()).String()
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(context.Background(), network, addr)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		closeQuietly(logger, "connection", conn.Close)
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	src := &AMQP{
		conn:       conn,
		ch:         ch,
		tag:        cfg.ConsumerTag,
		logger:     logger,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
	}
	if err := src.declare(cfg); err != nil {
		src.Close()
		return nil, err
	}

	deliveries, err := ch.Consume(cfg.Queue, cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("consume %s: %w", cfg.Queue, err)
	}
	src.deliveries = deliveries

	logger.Info("consuming amqp queue", "queue", cfg.Queue, "consumer", cfg.ConsumerTag, "prefetch", cfg.Prefetch)
	return src, nil
}

func (a *AMQP) declare(cfg AMQPConfig) error {
	dlx := deadLetterExchange(cfg.Queue)
	if err := a.ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}
	dlq := deadLetterQueue(cfg.Queue)
	if _, err := a.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := a.ch.QueueBind(dlq, "", dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}

	args := amqp.Table{"x-dead-letter-exchange": dlx}
	if _, err := a.ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if cfg.Prefetch > 0 {
		if err := a.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	return nil
}

// Receive implements Source. It returns ErrClosed once Close has been
// called. If the delivery channel closes for any other reason the connection
// or channel was lost, and Receive returns an error wrapping the broker's
// close reason so the consumer does not mistake it for a clean end of feed.
func (a *AMQP) Receive(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case d, ok := <-a.deliveries:
		if !ok {
			if a.closed.Load() {
				return Delivery{}, ErrClosed
			}
			return Delivery{}, fmt.Errorf("amqp connection lost: %w", a.lostCause())
		}
		return fromAMQP(d), nil
	}
}

// lostCause returns the close reason reported by the broker, waiting
// briefly since it may arrive after the delivery channel has closed.
func (a *AMQP) lostCause() error {
	timer := time.NewTimer(closeCauseWait)
	defer timer.Stop()
	for a.connClosed != nil || a.chClosed != nil {
		select {
		case err, ok := <-a.chClosed:
			if ok && err != nil {
				return err
			}
			a.chClosed = nil
		case err, ok := <-a.connClosed:
			if ok && err != nil {
				return err
			}
			a.connClosed = nil
		case <-timer.C:
			return errDeliveriesClosed
		}
	}
	return errDeliveriesClosed
}

// Close cancels the consumer and closes the channel and connection. After
// Close, Receive returns ErrClosed.
func (a *AMQP) Close() {
	a.closed.Store(true)
	if a.ch != nil {
		if a.deliveries != nil {
			closeQuietly(a.logger, "consumer", func() error { return a.ch.Cancel(a.tag, false) })
		}
		closeQuietly(a.logger, "channel", a.ch.Close)
	}
	if a.conn != nil {
		closeQuietly(a.logger, "connection", a.conn.Close)
	}
}

func fromAMQP(d amqp.Delivery) Delivery {
	out := newDelivery(strconv.FormatUint(d.DeliveryTag, 10), d.Body, amqpAck{d: d})
	if out.Trace == nil {
		out.Trace = headerTrace(d.Headers)
	}
	return out
}

// headerTrace reads trace context from message headers, for producers that
// send it outside the envelope.
func headerTrace(h amqp.Table) map[string]string {
	var out map[string]string
	for _, key := range []string{"traceparent", "tracestate", "baggage"} {
		if v, ok := h[key].(string); ok && v != "" {
			if out == nil {
				out = make(map[string]string, 3)
			}
			out[key] = v
		}
	}
	return out
}

type amqpAck struct {
	d amqp.Delivery
}

func (a amqpAck) Ack() error {
	return a.d.Ack(false)
}

func (a amqpAck) Nack(requeue bool) error {
	return a.d.Nack(false, requeue)
}

func closeQuietly(logger *slog.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn("amqp close failed", "resource", what, "error", err)
	}
}
