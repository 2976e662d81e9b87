package monitor

import (
	"context"
	"log"
	"time"

	"audit-core/internal/events"
)

// Monitor watches fault and recovery topics and forwards them to alert sinks.
type Monitor struct {
	Bus   *events.Bus
	Sinks []AlertSink
}

// Start subscribes to the bus; forwarding stops when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || len(m.Sinks) == 0 {
		log.Println("monitor not fully configured; skipping")
		return
	}
	faults, unsubFaults := m.Bus.Subscribe(events.TopicFault, 50)
	recoveries, unsubRecoveries := m.Bus.Subscribe(events.TopicRecovered, 50)
	go func() {
		defer unsubFaults()
		defer unsubRecoveries()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-faults:
				if !ok {
					return
				}
				m.send(formatAlert(msg))
			case msg, ok := <-recoveries:
				if !ok {
					return
				}
				m.send(formatAlert(msg))
			}
		}
	}()
}

func (m *Monitor) send(msg string) {
	for _, s := range m.Sinks {
		if err := s.Send(msg); err != nil {
			log.Printf("⚠️ alert delivery failed: %v", err)
		}
	}
}

func formatAlert(msg any) string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case Fault:
		return "FAULT " + t.String()
	case Recovery:
		return "RECOVERED " + string(t.Kind)
	default:
		return "alert triggered"
	}
}
