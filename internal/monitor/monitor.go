package monitor

import (
	"context"
	"log"
	"time"

	"trading-core/internal/events"
)

// Monitor watches the risk alert stream and forwards formatted messages to
// an AlertSink.
type Monitor struct {
	Bus   *events.Bus
	Sink  AlertSink
	// AlertFn is a legacy escape hatch for callers that want a bare func
	// instead of an AlertSink; ignored when Sink is set.
	AlertFn func(string)
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || (m.Sink == nil && m.AlertFn == nil) {
		log.Println("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventRiskAlert, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.emit(formatAlert(msg))
			}
		}
	}()
}

func (m *Monitor) emit(message string) {
	if m.Sink != nil {
		if err := m.Sink.Send(message); err != nil {
			log.Printf("monitor: alert sink failed: %v", err)
		}
		return
	}
	m.AlertFn(message)
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return "alert triggered"
	}
}
