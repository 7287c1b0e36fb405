package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

const maxListenBackoff = 30 * time.Second

// NotifyListener receives group messages published by NotifyTransport on
// any replica and hands them to the local session manager.
//
// LISTEN needs a connection of its own: a pooled connection would lose
// the subscription when returned to the pool.
type NotifyListener struct {
	connString string
	channel    string
	target     Deliverer
	log        *slog.Logger

	running atomic.Bool
	stop    context.CancelFunc
	done    chan struct{}
}

// NewNotifyListener creates a listener. An empty channel selects
// DefaultNotifyChannel.
func NewNotifyListener(connString, channel string, target Deliverer) *NotifyListener {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &NotifyListener{
		connString: connString,
		channel:    channel,
		target:     target,
		log:        slog.With("component", "notify_listener", "channel", channel),
	}
}

// Start issues LISTEN and begins receiving in the background. The first
// connection is made synchronously so a bad DSN fails startup.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := l.listen(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.stop = cancel
	l.done = make(chan struct{})
	l.running.Store(true)
	go l.run(loopCtx, conn)

	l.log.Info("NotifyListener started")
	return nil
}

// Running reports whether the receive loop is active.
func (l *NotifyListener) Running() bool {
	return l.running.Load()
}

// Stop ends the receive loop and waits for its connection to close.
func (l *NotifyListener) Stop(_ context.Context) {
	if l.stop == nil {
		return
	}
	l.stop()
	<-l.done
}

func (l *NotifyListener) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("LISTEN %s failed: %w", l.channel, err)
	}
	return conn, nil
}

// run owns conn for its whole life, replacing it after receive errors.
func (l *NotifyListener) run(ctx context.Context, conn *pgx.Conn) {
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
		l.running.Store(false)
		close(l.done)
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Error("NOTIFY receive error", "error", err)
			_ = conn.Close(context.Background())
			if conn = l.relisten(ctx); conn == nil {
				return
			}
			continue
		}

		group, payload, err := decodeNotifyMessage(n.Payload)
		if err != nil {
			l.log.Warn("Dropping malformed NOTIFY payload", "error", err)
			continue
		}
		l.target.Deliver(group, payload)
	}
}

// relisten retries with exponential backoff until a new LISTEN connection
// is up or ctx ends, in which case it returns nil. Messages sent while
// disconnected are lost; clients recover them from the job status API.
func (l *NotifyListener) relisten(ctx context.Context) *pgx.Conn {
	for backoff := time.Second; ; backoff = min(backoff*2, maxListenBackoff) {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := l.listen(ctx)
		if err == nil {
			l.log.Info("NotifyListener reconnected")
			return conn
		}
		l.log.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
	}
}
