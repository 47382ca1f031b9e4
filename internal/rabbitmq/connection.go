package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-pipeline/internal/reliability"
)

// Engine limits.
const (
	MaxConnectAttempts     = 5
	MaxChannelAttempts     = 3
	MaxProcedureAttempts   = 30
	MaxConsecutiveTimeouts = 3
)

// ChannelID identifies a logical channel owned by an Engine. Zero asks for a
// fresh channel.
type ChannelID int

// Procedure is a unit of broker work run by Engine.Execute.
type Procedure func(ctx context.Context, ch Channel) error

// Executor runs procedures under the engine's retry policy.
type Executor interface {
	Execute(ctx context.Context, proc Procedure) error
}

// Engine owns the broker session of a process and supervises every channel
// procedure with one shared retry policy.
type Engine struct {
	cfg    BrokerConfig
	dialer Dialer
	logger *slog.Logger
	sleep  reliability.SleepFunc

	connectAttempts        int
	connectBackoff         reliability.Backoff
	channelTimeoutBackoff  reliability.Backoff
	procedureAttempts      int
	maxConsecutiveTimeouts int

	// connectMu serializes dials so a process holds one session
	connectMu sync.Mutex

	mu       sync.Mutex
	session  Session
	channels map[ChannelID]Channel
	lastID   ChannelID
}

// EngineOption configures the Engine
type EngineOption func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) EngineOption {
	return func(e *Engine) {
		e.dialer = dialer
	}
}

// WithSleep replaces the pause used between retries
func WithSleep(sleep reliability.SleepFunc) EngineOption {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// WithMaxConnectAttempts sets the connect attempt ceiling
func WithMaxConnectAttempts(attempts int) EngineOption {
	return func(e *Engine) {
		e.connectAttempts = attempts
	}
}

// NewEngine creates an engine for cfg. It does not connect.
func NewEngine(cfg BrokerConfig, options ...EngineOption) *Engine {
	e := &Engine{
		cfg:                    cfg,
		dialer:                 DialAMQP,
		logger:                 slog.Default(),
		sleep:                  reliability.Sleep,
		connectAttempts:        MaxConnectAttempts,
		connectBackoff:         reliability.NewLinearBackoff(time.Second),
		channelTimeoutBackoff:  reliability.NewFixedDelay(3 * time.Second),
		procedureAttempts:      MaxProcedureAttempts,
		maxConsecutiveTimeouts: MaxConsecutiveTimeouts,
		channels:               make(map[ChannelID]Channel),
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// Connect establishes the session, retrying with a linear backoff. A missing
// configuration fails immediately with a *ConfigError.
func (e *Engine) Connect(ctx context.Context) error {
	e.connectMu.Lock()
	defer e.connectMu.Unlock()

	if e.IsConnected() {
		return nil
	}

	if err := e.cfg.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= e.connectAttempts; attempt++ {
		e.logger.Info("connecting to broker",
			"url", e.cfg.SanitizedURL(),
			"attempt", attempt)

		session, err := e.dialer(ctx, e.cfg)
		if err == nil {
			e.mu.Lock()
			if e.session != nil && !e.session.IsClosed() {
				e.mu.Unlock()
				session.Close()
				return nil
			}
			e.session = session
			// channels of a previous session are dead
			e.channels = make(map[ChannelID]Channel)
			e.mu.Unlock()

			e.logger.Info("connected to broker", "attempts", attempt)
			return nil
		}

		lastErr = err
		if attempt == e.connectAttempts {
			break
		}

		delay := e.connectBackoff.NextDelay(attempt)
		e.logger.Warn("failed connecting to broker",
			"error", err,
			"attempt", attempt,
			"retryIn", delay)

		if err := e.sleep(ctx, delay); err != nil {
			return newBrokerError("connect", err)
		}
	}

	e.logger.Error("giving up connecting to broker",
		"attempts", e.connectAttempts,
		"error", lastErr)

	return newBrokerError("connect", fmt.Errorf("%w after %d attempts: %v",
		ErrConnectFailed, e.connectAttempts, lastErr))
}

// IsConnected reports whether a live session exists. It never blocks on the
// network.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil && !e.session.IsClosed()
}

// Channel returns the open channel bound to id, or acquires a new one. A
// closed channel under id is replaced and keeps the id. Zero yields a fresh id.
func (e *Engine) Channel(ctx context.Context, id ChannelID) (Channel, ChannelID, error) {
	if id != 0 {
		e.logger.Debug("acquiring channel", "channelId", id)
	}

	for attempt := 1; attempt <= MaxChannelAttempts; attempt++ {
		ch, chID, err := e.openChannel(id)
		if err == nil {
			e.logger.Debug("opened channel", "channelId", chID)
			return ch, chID, nil
		}

		switch e.classify(err) {
		case KindConnectionClosed:
			e.logger.Warn("connection closed while opening channel, reconnecting",
				"attempt", attempt)
			if err := e.Connect(ctx); err != nil {
				return nil, 0, err
			}

		case KindTimeout:
			delay := e.channelTimeoutBackoff.NextDelay(attempt)
			e.logger.Warn("timeout while opening channel",
				"attempt", attempt,
				"retryIn", delay)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, 0, newBrokerError("open channel", err)
			}

		default:
			e.logger.Debug("channel open failed", "error", err)
			return nil, 0, newBrokerError("open channel", err)
		}
	}

	return nil, 0, newBrokerError("open channel", ErrChannelUnavailable)
}

func (e *Engine) openChannel(id ChannelID) (Channel, ChannelID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.session.IsClosed() {
		return nil, 0, ErrConnectionClosed
	}

	if id != 0 {
		if ch, ok := e.channels[id]; ok && !ch.IsClosed() {
			return ch, id, nil
		}
	}

	ch, err := e.session.Channel()
	if err != nil {
		return nil, 0, err
	}
	if ch == nil || ch.IsClosed() {
		return nil, 0, ErrChannelUnavailable
	}

	if id == 0 {
		e.lastID++
		id = e.lastID
	}
	e.channels[id] = ch

	return ch, id, nil
}

// Release closes the channel bound to id, best-effort, and forgets the id.
func (e *Engine) Release(id ChannelID) {
	e.mu.Lock()
	ch, ok := e.channels[id]
	delete(e.channels, id)
	e.mu.Unlock()

	if ok && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			e.logger.Debug("failed to close channel", "channelId", id, "error", err)
		}
	}
}

// Execute runs proc on a fresh channel under the supervising loop:
//   - timeouts are retried after a pause growing with the run of consecutive
//     timeouts; a run of MaxConsecutiveTimeouts ends the loop without error
//   - a closed connection is reopened and proc retried
//   - a closed channel is reacquired under the same id and proc retried
//   - anything else is returned as a *BrokerError
//
// The channel is closed when Execute returns.
func (e *Engine) Execute(ctx context.Context, proc Procedure) error {
	ch, id, err := e.Channel(ctx, 0)
	if err != nil {
		return err
	}
	defer func() {
		e.Release(id)
	}()

	breaker := reliability.NewTimeoutBreaker(e.maxConsecutiveTimeouts)

	for attempt := 1; attempt <= e.procedureAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return newBrokerError("execute", err)
		}

		err := proc(ctx, ch)
		if err == nil {
			return nil
		}

		kind := e.classify(err)
		if kind == KindTimeout {
			consecutive := breaker.RecordTimeout()
			if breaker.Tripped() {
				e.logger.Warn("consecutive timeout limit reached, ending procedure",
					"consecutiveTimeouts", consecutive)
				return nil
			}

			delay := time.Duration(consecutive) * time.Second
			e.logger.Warn("timeout during broker operation",
				"error", err,
				"consecutiveTimeouts", consecutive,
				"retryIn", delay)
			if err := e.sleep(ctx, delay); err != nil {
				return newBrokerError("execute", err)
			}
			continue
		}
		breaker.Reset()

		switch kind {
		case KindConnectionClosed:
			e.logger.Warn("connection closed during broker operation, reconnecting",
				"error", err,
				"attempt", attempt)
			if err := e.Connect(ctx); err != nil {
				return err
			}
			if ch, id, err = e.Channel(ctx, id); err != nil {
				return err
			}

		case KindChannelClosed:
			e.logger.Warn("channel closed during broker operation, reacquiring",
				"error", err,
				"channelId", id)
			if ch, id, err = e.Channel(ctx, id); err != nil {
				return err
			}

		default:
			e.logger.Error("fatal error during broker operation", "error", err)
			if brokerErr, ok := err.(*BrokerError); ok {
				return brokerErr
			}
			return newBrokerError("execute", err)
		}
	}

	return newBrokerError("execute", ErrAttemptsExhausted)
}

// classify refines KindOf with the session state: a closed channel on a dead
// session is a closed connection.
func (e *Engine) classify(err error) Kind {
	kind := KindOf(err)
	if kind == KindChannelClosed && !e.IsConnected() {
		return KindConnectionClosed
	}
	return kind
}

// Close closes every channel and the session.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, ch := range e.channels {
		if !ch.IsClosed() {
			ch.Close()
		}
		delete(e.channels, id)
	}

	if e.session == nil {
		return nil
	}

	err := e.session.Close()
	e.session = nil
	return err
}
