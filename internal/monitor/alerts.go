package monitor

import (
	"log"
	"sync"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the standard logger.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("🔔 %s", message)
	return nil
}

// MemorySink keeps the last alerts in memory, newest last.
type MemorySink struct {
	mu   sync.Mutex
	max  int
	msgs []string
}

// NewMemorySink creates a sink retaining up to max messages.
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 100
	}
	return &MemorySink{max: max}
}

func (m *MemorySink) Send(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) >= m.max {
		m.msgs = m.msgs[1:]
	}
	m.msgs = append(m.msgs, message)
	return nil
}

// Messages returns a copy of the retained alerts.
func (m *MemorySink) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.msgs...)
}
