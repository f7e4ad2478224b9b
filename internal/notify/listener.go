package notify

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// Listener keeps a websocket subscription to the issuing host's
// notification channel and feeds received messages to the handler.
type Listener struct {
	url     string
	handler *Handler
	dialer  *websocket.Dialer
}

// NewListener wires the notification listener.
func NewListener(url string, handler *Handler) *Listener {
	return &Listener{
		url:     url,
		handler: handler,
		dialer:  websocket.DefaultDialer,
	}
}

// Run maintains the subscription until ctx is done, reconnecting with
// exponential backoff.
func (l *Listener) Run(ctx context.Context) {
	backoff := reconnectMin

	for {
		conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			log.Warn().
				Err(err).
				Str("event", "notify_connect_failed").
				Str("url", l.url).
				Dur("retry_in", backoff).
				Msg("notification channel unavailable")

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)

			continue
		}

		log.Info().
			Str("event", "notify_connected").
			Str("url", l.url).
			Msg("notification channel established")
		backoff = reconnectMin

		l.read(ctx, conn)

		if ctx.Err() != nil {
			return
		}
	}
}

// read consumes messages until the connection breaks or ctx is done.
func (l *Listener) read(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().
					Err(err).
					Str("event", "notify_disconnected").
					Msg("notification channel lost")
			}

			return
		}

		if err := l.handler.Handle(data); err != nil {
			log.Error().
				Err(err).
				Str("event", "notification_rejected").
				Msg("notification discarded")
		}
	}
}
