// Package consumer reads tip events from RabbitMQ and hands them to the
// processor pool.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/config"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/metrics"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/processor"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	handoffTimeout       = 30 * time.Second
)

type Consumer struct {
	cfg     config.RabbitConfig
	log     *logrus.Logger
	updates chan<- processor.IncomingUpdate

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New dials the broker and declares the queue. Consumption starts with Start.
func New(cfg config.RabbitConfig, log *logrus.Logger, updates chan<- processor.IncomingUpdate) (*Consumer, error) {
	c := &Consumer{
		cfg:     cfg,
		log:     log,
		updates: updates,
	}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return c, nil
}

// URL builds the AMQP connection string.
func URL(cfg config.RabbitConfig) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.VHost)
}

// queueArgs routes rejected events to the dead-letter exchange when one is set.
func queueArgs(cfg config.RabbitConfig) amqp.Table {
	if cfg.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": cfg.DeadLetterExchange}
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(URL(c.cfg))
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, queueArgs(c.cfg)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", c.cfg.Queue, err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, ch
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"host":        c.cfg.Host,
		"queue":       c.cfg.Queue,
		"prefetch":    c.cfg.Prefetch,
		"dead_letter": c.cfg.DeadLetterExchange,
	}).Info("connected to RabbitMQ")
	return nil
}

// Start consumes until ctx is cancelled, dialing again whenever the broker
// drops the connection. It gives up after maxReconnectAttempts failed dials.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		lost, err := c.consume(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil || lost == nil {
			return nil
		}
		c.log.WithError(lost).Error("RabbitMQ connection closed unexpectedly")
		metrics.ConsumerReconnects.Inc()
		if err := c.redial(ctx); err != nil {
			return err
		}
	}
}

// consume runs the readers on the current channel until ctx is done or the
// connection closes. A nil error from the broker means a local Close.
func (c *Consumer) consume(ctx context.Context) (*amqp.Error, error) {
	c.mu.Lock()
	conn, ch := c.conn, c.channel
	c.mu.Unlock()
	if ch == nil {
		return nil, errors.New("channel is not initialized")
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	readCtx, stop := context.WithCancel(ctx)
	defer stop()
	var wg sync.WaitGroup
	c.log.WithField("readers", c.cfg.Workers).Info("starting consumer readers")
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.reader(readCtx, msgs, id)
		}(i)
	}

	var lost *amqp.Error
	select {
	case <-ctx.Done():
	case lost = <-closed:
	}
	stop()
	wg.Wait()
	c.log.Info("consumer readers stopped")
	return lost, nil
}

func (c *Consumer) redial(ctx context.Context) error {
	c.release()
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		err := c.connect()
		if err == nil {
			c.log.WithField("attempt", attempt).Info("reconnected to RabbitMQ")
			return nil
		}
		delay := reconnectDelay * time.Duration(attempt)
		c.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("reconnection failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
	return fmt.Errorf("gave up after %d reconnection attempts", maxReconnectAttempts)
}

func (c *Consumer) reader(ctx context.Context, msgs <-chan amqp.Delivery, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.log.WithField("reader_id", id).Warn("message channel closed")
				return
			}
			c.handoff(ctx, msg, id)
		}
	}
}

// handoff decodes the envelope and passes the delivery on; acking is left to
// the processor. Undecodable messages are dropped, and a delivery the pool
// cannot take in time goes back to the queue.
func (c *Consumer) handoff(ctx context.Context, msg amqp.Delivery, id int) {
	var env processor.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil || env.Type == "" {
		c.log.WithFields(logrus.Fields{
			"reader_id": id,
			"error":     err,
			"body":      string(msg.Body),
		}).Error("malformed envelope, dropping")
		_ = msg.Nack(false, false)
		return
	}
	if env.EventID == "" {
		env.EventID = msg.MessageId
	}

	ctx, cancel := context.WithTimeout(ctx, handoffTimeout)
	defer cancel()

	select {
	case c.updates <- processor.IncomingUpdate{Envelope: env, Delivery: msg}:
		c.log.WithFields(logrus.Fields{
			"reader_id": id,
			"type":      env.Type,
			"event_id":  env.EventID,
		}).Debug("event handed to processor")
	case <-ctx.Done():
		c.log.WithField("reader_id", id).Warn("processor busy, requeueing")
		_ = msg.Nack(false, true)
	}
}

func (c *Consumer) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the connection, which also ends Start.
func (c *Consumer) Close() {
	c.release()
	c.log.Info("consumer closed")
}
