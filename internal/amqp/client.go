package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker/v2"

	"fintrack/internal/dashcache"
	"fintrack/internal/log"
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Publish while no channel is open.
var ErrNotConnected = errors.New("amqp channel not open")

// Handler processes one decoded invalidation from another process
type Handler func(ctx context.Context, msg *InvalidationMessage) error

// Client publishes and consumes invalidation broadcasts on a fanout exchange.
// Every process binds its own exclusive queue, so each one sees every message.
type Client struct {
	url          string
	exchangeName string
	origin       string
	logger       *log.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	breaker *gobreaker.CircuitBreaker[any]
}

// NewClient dials url and declares the fanout exchange. origin identifies this
// process; messages carrying it are skipped on receipt. When the first dial
// fails the client is still returned with the error and reconnects on the
// next publish.
func NewClient(url, exchangeName, origin string, logger *log.Logger) (*Client, error) {
	c := newClient(url, exchangeName, origin, logger)
	if err := c.connect(); err != nil {
		return c, err
	}
	return c, nil
}

func newClient(url, exchangeName, origin string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentAMQP)
	return &Client{
		url:          url,
		exchangeName: exchangeName,
		origin:       origin,
		logger:       logger,
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:    "amqp-publish",
			Timeout: openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("AMQP publish breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Origin returns the identifier stamped on published messages
func (c *Client) Origin() string {
	return c.origin
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := declareExchange(channel, c.exchangeName); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, channel
	c.mu.Unlock()
	return nil
}

func declareExchange(ch *amqp091.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,     // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
}

// PublishInvalidation broadcasts sc to every consumer bound to the exchange
func (c *Client) PublishInvalidation(ctx context.Context, sc dashcache.Scope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := NewInvalidationMessage(c.origin, sc)
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.publish(ctx, body)
	})
	if err != nil {
		if isConnectionError(err) {
			c.dropConnection()
		}
		return fmt.Errorf("publish invalidation: %w", err)
	}

	c.logger.DebugContext(ctx, "Published invalidation",
		log.FieldMonthKey, msg.MonthKey,
		log.FieldAccountID, msg.AccountID,
		"all", msg.All,
		"exchange", c.exchangeName)
	return nil
}

func (c *Client) publish(ctx context.Context, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil || c.channel.IsClosed() {
		if c.url == "" {
			return ErrNotConnected
		}
		c.mu.Unlock()
		err := c.connect()
		c.mu.Lock()
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		"",             // routing key, ignored by fanout
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
}

func (c *Client) dropConnection() {
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

// Consume delivers invalidations from other processes to handler until ctx is
// done, reconnecting with exponential backoff when the broker goes away.
func (c *Client) Consume(ctx context.Context, handler Handler) error {
	attempt := 0
	for {
		start := time.Now()
		err := c.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		}
		if time.Since(start) > maxBackoff {
			attempt = 0
		}

		wait := exponentialBackoff(attempt)
		attempt++
		c.logger.WarnContext(ctx, "AMQP consumer disconnected, retrying",
			log.FieldError, err,
			"attempt", attempt,
			"backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, handler Handler) error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchange(ch, c.exchangeName); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", c.exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.logger.InfoContext(ctx, "Started consuming invalidations", "queue", q.Name, "exchange", c.exchangeName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			if err := c.dispatch(ctx, delivery.Body, handler); err != nil {
				delivery.Nack(false, false)
				continue
			}
			delivery.Ack(false)
		}
	}
}

// dispatch decodes body and hands it to handler unless it came from this
// process. Returned errors mean the message should be rejected.
func (c *Client) dispatch(ctx context.Context, body []byte, handler Handler) error {
	msg, err := InvalidationMessageFromJSON(body)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to unmarshal message", log.FieldError, err)
		return err
	}
	if msg.Origin == c.origin {
		return nil
	}

	if err := handler(ctx, msg); err != nil {
		c.logger.ErrorContext(ctx, "Failed to handle invalidation",
			log.FieldError, err,
			log.FieldOrigin, msg.Origin)
		return err
	}
	return nil
}

// Close closes the publishing channel and connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// exponentialBackoff returns 1s, 2s, 4s, ... capped at maxBackoff
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) || errors.Is(err, ErrNotConnected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "closed network"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Purger drops in-flight dashboard computations
type Purger interface {
	PurgeInFlight(sc dashcache.Scope) int
}

// PurgeHandler applies remote invalidations to the local in-flight table
func PurgeHandler(p Purger, logger *log.Logger) Handler {
	if logger == nil {
		logger = log.Discard()
	}
	return func(ctx context.Context, msg *InvalidationMessage) error {
		n := p.PurgeInFlight(msg.Scope())
		logger.DebugContext(ctx, "Applied remote invalidation",
			log.FieldOrigin, msg.Origin,
			log.FieldMonthKey, msg.MonthKey,
			log.FieldAccountID, msg.AccountID,
			"in_flight_purged", n)
		return nil
	}
}
