// Package notify wakes dispatchers when new events are stored.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

// DefaultSubject carries insert notifications between instances.
const DefaultSubject = "syncq.events.inserted"

// Notifier signals that claimable work may exist. Signals are hints: a missed
// or coalesced signal only delays work until the next poll.
type Notifier interface {
	Notify(ctx context.Context, entity models.EntityType)
	C() <-chan struct{}
	Close() error
}

// Local is an in-process notifier. Its buffer of one coalesces bursts.
type Local struct {
	signal    chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Notifier = (*Local)(nil)

func NewLocal() *Local {
	return &Local{
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (l *Local) Notify(_ context.Context, _ models.EntityType) {
	l.wake()
}

func (l *Local) wake() {
	select {
	case <-l.closed:
		return
	default:
	}
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Local) C() <-chan struct{} {
	return l.signal
}

func (l *Local) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// NATS fans notifications out to every instance subscribed to the subject,
// including this one.
type NATS struct {
	local   *Local
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
}

var _ Notifier = (*NATS)(nil)

func NewNATS(ctx context.Context, url string, subject string) (*NATS, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	conn, err := nats.Connect(url, nats.Name("sync-queue-service"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, errs.Wrap(err, "connect nats")
	}

	n := &NATS{local: NewLocal(), conn: conn, subject: subject}
	n.sub, err = conn.Subscribe(subject, func(*nats.Msg) {
		n.local.wake()
	})
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(err, "subscribe insert notifications")
	}

	logging.Info(ctx, "nats notifier connected", slog.String("subject", subject))
	return n, nil
}

func (n *NATS) Notify(ctx context.Context, entity models.EntityType) {
	// Wake locally even if the broker is unreachable.
	n.local.wake()
	if err := n.conn.Publish(n.subject, []byte(entity)); err != nil {
		logging.Warn(ctx, "publish insert notification failed", slog.Any("err", errs.Loggable(err)))
	}
}

func (n *NATS) C() <-chan struct{} {
	return n.local.C()
}

func (n *NATS) Close() error {
	_ = n.local.Close()
	if err := n.sub.Unsubscribe(); err != nil && n.conn.IsConnected() {
		return errs.Wrap(err, "unsubscribe")
	}
	return errs.Wrap(n.conn.Drain(), "drain nats")
}
