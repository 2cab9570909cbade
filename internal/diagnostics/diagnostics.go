// Package diagnostics receives authorization denials, repaired or
// quarantined rooms and dropped realtime deliveries. None of these are
// surfaced to users beyond a generic denial.
package diagnostics

import (
	"context"

	"chat-core/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type Sink interface {
	Denied(ctx context.Context, userID int, roomID, action, reason string)
	Repaired(ctx context.Context, roomID, detail string)
	Quarantined(ctx context.Context, roomID, reason string)
	DeliveryDropped(ctx context.Context, roomID, sessionID, reason string)
}

var (
	deniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "authorization_denied_total",
		Help:      "Authorization denials by action.",
	}, []string{"action"})
	repairedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "rooms_repaired_total",
		Help:      "Direct rooms whose participant set was repaired on read.",
	})
	quarantinedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "rooms_quarantined_total",
		Help:      "Direct rooms quarantined because they could not be repaired.",
	})
	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "realtime_dropped_total",
		Help:      "Realtime events not delivered to a session.",
	}, []string{"reason"})
)

// Collectors returns the diagnostics metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{deniedTotal, repairedTotal, quarantinedTotal, droppedTotal}
}

// LogSink reports to the request logger (or the given base logger) and
// increments the prometheus counters.
type LogSink struct {
	base zerolog.Logger
}

func NewLogSink(base zerolog.Logger) *LogSink {
	return &LogSink{base: base}
}

func (s *LogSink) logger(ctx context.Context) zerolog.Logger {
	if l, ok := logging.FromContext(ctx); ok {
		return l
	}
	return s.base
}

// Denied logs an authorization denial. Request and session loggers already
// carry the user id, so it is only added when ctx has no logger.
func (s *LogSink) Denied(ctx context.Context, userID int, roomID, action, reason string) {
	deniedTotal.WithLabelValues(action).Inc()
	l, scoped := logging.FromContext(ctx)
	if !scoped {
		l = s.base.With().Int(logging.FieldUserID, userID).Logger()
	}
	l.Info().
		Str(logging.FieldRoomID, roomID).
		Str(logging.FieldAction, action).
		Str(logging.FieldReason, reason).
		Msg("authorization denied")
}

func (s *LogSink) Repaired(ctx context.Context, roomID, detail string) {
	repairedTotal.Inc()
	l := s.logger(ctx)
	l.Warn().
		Str(logging.FieldRoomID, roomID).
		Str(logging.FieldReason, detail).
		Msg("repaired inconsistent direct room")
}

func (s *LogSink) Quarantined(ctx context.Context, roomID, reason string) {
	quarantinedTotal.Inc()
	l := s.logger(ctx)
	l.Error().
		Str(logging.FieldRoomID, roomID).
		Str(logging.FieldReason, reason).
		Msg("quarantined inconsistent direct room")
}

func (s *LogSink) DeliveryDropped(ctx context.Context, roomID, sessionID, reason string) {
	droppedTotal.WithLabelValues(reason).Inc()
	l := s.logger(ctx)
	l.Debug().
		Str(logging.FieldRoomID, roomID).
		Str(logging.FieldSessionID, sessionID).
		Str(logging.FieldReason, reason).
		Msg("realtime delivery dropped")
}

// Nop discards everything.
type Nop struct{}

func (Nop) Denied(context.Context, int, string, string, string)     {}
func (Nop) Repaired(context.Context, string, string)                {}
func (Nop) Quarantined(context.Context, string, string)             {}
func (Nop) DeliveryDropped(context.Context, string, string, string) {}
