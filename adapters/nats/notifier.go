package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	natsgo "github.com/nats-io/nats.go"

	"github.com/evohq/sourcing-go/core/es"
)

type NotifierConfig struct {
	Connect Connector
	Log     *slog.Logger

	// SubjectPrefix namespaces published notifications; the full
	// subject is "<prefix>.<notification subject>"
	// (default: "evo.notify").
	SubjectPrefix string
}

// Notifier publishes notifications to NATS core subjects. Publishing is
// fire-and-forget: failures are logged and never surface to the caller.
type Notifier struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "evo.notify"
	}

	return &Notifier{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("notifier", "nats")),
		prefix:  prefix,
	}, nil
}

func (n *Notifier) Close() {
	if err := n.nc.Drain(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
		n.closeNc()
	}
}

func (n *Notifier) Notify(_ context.Context, notification es.Notification) {
	subject := n.prefix + "." + notification.Subject

	data, err := json.Marshal(notification)
	if err != nil {
		n.log.Warn("marshal notification", slog.String("subject", subject), slog.Any("error", err))
		return
	}
	if err := n.nc.Publish(subject, data); err != nil {
		n.log.Warn("publish notification", slog.String("subject", subject), slog.Any("error", err))
	}
}

var _ es.Notifier = (*Notifier)(nil)
