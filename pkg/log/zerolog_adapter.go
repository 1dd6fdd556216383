package log

import (
	"github.com/rs/zerolog"
)

// ZerologAdapter mirrors trace events to a zerolog logger at debug level.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter returns an adapter writing to logger.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// Log writes the event as one structured debug line.
func (a *ZerologAdapter) Log(event Event) {
	ev := a.logger.Debug()
	if event.Category == CategoryError {
		ev = a.logger.Warn()
	}
	if !ev.Enabled() {
		return
	}

	ev = ev.Time("at", event.Timestamp).Str("category", event.Category.String())
	if event.USN != "" {
		ev = ev.Str("usn", event.USN)
	}
	if event.UDN != "" {
		ev = ev.Str("udn", event.UDN)
	}
	if event.ServiceID != "" {
		ev = ev.Str("service_id", event.ServiceID)
	}
	if event.SID != "" {
		ev = ev.Str("sid", event.SID)
	}

	switch {
	case event.Discovery != nil:
		ev = ev.Str("kind", event.Discovery.Kind).
			Str("location", event.Discovery.Location)
		if event.Discovery.Server != "" {
			ev = ev.Str("server", event.Discovery.Server)
		}
	case event.Subscription != nil:
		ev = ev.Str("action", event.Subscription.Action.String()).
			Str("event_url", event.Subscription.EventURL)
		if event.Subscription.OldSID != "" {
			ev = ev.Str("old_sid", event.Subscription.OldSID)
		}
		if event.Subscription.Timeout > 0 {
			ev = ev.Dur("timeout", event.Subscription.Timeout)
		}
	case event.Notification != nil:
		ev = ev.Uint32("seq", event.Notification.Seq).
			Int("properties", len(event.Notification.Properties))
	case event.Publish != nil:
		ev = ev.Str("topic", event.Publish.Topic).
			Int("size", event.Publish.Size).
			Bool("retain", event.Publish.Retain)
	case event.Error != nil:
		ev = ev.Str("stage", event.Error.Stage).
			Str("error", event.Error.Message)
	}

	ev.Msg("trace")
}

var _ Logger = (*ZerologAdapter)(nil)
