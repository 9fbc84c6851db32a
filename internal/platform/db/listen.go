package db

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var channelPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Notification is a single NOTIFY payload received on a channel. A
// notification with Subscribed set carries no payload: it is sent each time
// LISTEN takes effect, and anything published before that was not seen.
type Notification struct {
	Channel    string
	Payload    string
	Subscribed bool
}

// Listener holds a dedicated pool connection in LISTEN mode and forwards
// notifications. A dropped connection is re-acquired after RetryInterval.
type Listener struct {
	pool          *pgxpool.Pool
	channel       string
	logger        zerolog.Logger
	connected     atomic.Bool
	RetryInterval time.Duration
}

func NewListener(pool *pgxpool.Pool, channel string, logger zerolog.Logger) (*Listener, error) {
	if !channelPattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid notify channel: %q", channel)
	}
	return &Listener{
		pool:          pool,
		channel:       channel,
		logger:        logger.With().Str("channel", channel).Logger(),
		RetryInterval: 2 * time.Second,
	}, nil
}

// Channel returns the channel name the listener subscribes to.
func (l *Listener) Channel() string { return l.channel }

// Connected reports whether the listener currently holds a LISTEN connection.
func (l *Listener) Connected() bool { return l.connected.Load() }

// Listen starts forwarding notifications until ctx is cancelled, after which
// the returned channel is closed. Every (re)connect is announced with a
// Subscribed notification so consumers can reload what they may have missed.
func (l *Listener) Listen(ctx context.Context) <-chan Notification {
	out := make(chan Notification, 64)
	go func() {
		defer close(out)
		for {
			err := l.listenOnce(ctx, out)
			l.connected.Store(false)
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn().Err(err).Dur("retry_in", l.RetryInterval).Msg("notify listener disconnected")
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.RetryInterval):
			}
		}
	}()
	return out
}

func (l *Listener) listenOnce(ctx context.Context, out chan<- Notification) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	ident := pgx.Identifier{l.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.connected.Store(true)
	l.logger.Info().Msg("notify listener connected")

	select {
	case out <- Notification{Channel: l.channel, Subscribed: true}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// The session is still subscribed; release it without LISTEN state.
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+ident)
			return err
		}
		select {
		case out <- Notification{Channel: n.Channel, Payload: n.Payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
