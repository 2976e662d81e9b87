package reconciliation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"audit-core/internal/events"
	"audit-core/internal/monitor"
	"audit-core/internal/persistence"
)

// DefaultSchedule runs the daily pass five minutes after UTC midnight.
const DefaultSchedule = "0 5 0 * * *"

// Journal is the append-only source of truth.
type Journal interface {
	ReadDay(day string) ([]events.AuditEvent, error)
	Days() ([]string, error)
}

// Index is the queryable copy that must match the journal.
type Index interface {
	EventIDs(ctx context.Context, day string) (map[string]bool, error)
	CountDay(ctx context.Context, day string) (int, error)
	Replay(ctx context.Context, evs []events.AuditEvent) (int, error)
}

// Service compares the journal against the index per day and replays what
// the index is missing.
type Service struct {
	journal    Journal
	index      Index
	health     *monitor.Health
	schedule   string
	autoRepair bool
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	last map[string]Report
	open map[string]bool
}

// Report contains the result of one reconciliation pass.
type Report struct {
	Day            string    `json:"day"`
	Timestamp      time.Time `json:"timestamp"`
	JournalCount   int       `json:"journal_count"`
	IndexCount     int       `json:"index_count"`
	MissingInIndex []string  `json:"missing_in_index"`
	Repaired       int       `json:"repaired"`
	Consistent     bool      `json:"consistent"`
}

// NewService creates a reconciliation service. An empty schedule uses
// DefaultSchedule; health may be nil.
func NewService(journal Journal, index Index, health *monitor.Health, schedule string) *Service {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Service{
		journal:    journal,
		index:      index,
		health:     health,
		schedule:   schedule,
		autoRepair: true,
		now:        time.Now,
		last:       make(map[string]Report),
		open:       make(map[string]bool),
	}
}

// SetAutoRepair enables or disables replaying missing events after a
// mismatch is found.
func (s *Service) SetAutoRepair(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRepair = enabled
	log.Printf("📊 Reconciliation auto-repair: %v", enabled)
}

// Reconcile compares one day of journal and index without changing either.
func (s *Service) Reconcile(ctx context.Context, day string) (Report, error) {
	if _, err := persistence.ParseDay(day); err != nil {
		return Report{}, err
	}
	journaled, err := s.journal.ReadDay(day)
	if err != nil {
		return Report{}, fmt.Errorf("read journal %s: %w", day, err)
	}
	ids, err := s.index.EventIDs(ctx, day)
	if err != nil {
		return Report{}, fmt.Errorf("read index ids %s: %w", day, err)
	}
	count, err := s.index.CountDay(ctx, day)
	if err != nil {
		return Report{}, fmt.Errorf("count index %s: %w", day, err)
	}

	r := Report{
		Day:            day,
		Timestamp:      s.now().UTC(),
		JournalCount:   len(journaled),
		IndexCount:     count,
		MissingInIndex: []string{},
	}
	for _, ev := range journaled {
		if !ids[ev.ID] {
			r.MissingInIndex = append(r.MissingInIndex, ev.ID)
		}
	}
	r.Consistent = len(r.MissingInIndex) == 0 && r.JournalCount == r.IndexCount
	return r, nil
}

// Repair replays journal events missing from the index and reconciles again.
// Replaying is idempotent.
func (s *Service) Repair(ctx context.Context, day string) (Report, error) {
	before, err := s.Reconcile(ctx, day)
	if err != nil {
		return Report{}, err
	}
	if len(before.MissingInIndex) == 0 {
		return before, nil
	}

	journaled, err := s.journal.ReadDay(day)
	if err != nil {
		return Report{}, fmt.Errorf("read journal %s: %w", day, err)
	}
	missing := make(map[string]bool, len(before.MissingInIndex))
	for _, id := range before.MissingInIndex {
		missing[id] = true
	}
	replay := make([]events.AuditEvent, 0, len(missing))
	for _, ev := range journaled {
		if missing[ev.ID] {
			replay = append(replay, ev)
		}
	}

	added, err := s.index.Replay(ctx, replay)
	if err != nil {
		return Report{}, fmt.Errorf("replay %s: %w", day, err)
	}
	log.Printf("🔄 Reconciliation: replayed %d events into the index for %s", added, day)

	after, err := s.Reconcile(ctx, day)
	if err != nil {
		return Report{}, err
	}
	after.Repaired = added
	return after, nil
}

// Start runs a pass for yesterday and today, then schedules the daily pass
// for the previous UTC day.
func (s *Service) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.schedule, func() {
		s.RunDay(ctx, s.now().UTC().AddDate(0, 0, -1).Format(events.DayLayout))
	}); err != nil {
		return fmt.Errorf("register reconciliation schedule %q: %w", s.schedule, err)
	}

	today := s.now().UTC()
	s.RunDay(ctx, today.AddDate(0, 0, -1).Format(events.DayLayout))
	s.RunDay(ctx, today.Format(events.DayLayout))

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.Printf("✓ Reconciliation service started (schedule: %s, auto-repair: %v)", s.schedule, s.autoRepair)
	return nil
}

// Stop stops the scheduler and waits for a running pass.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
		log.Println("Reconciliation service stopped")
	}
}

// RunDay reconciles day, repairing and reporting to the health channel as
// configured. Errors are logged.
func (s *Service) RunDay(ctx context.Context, day string) Report {
	report, err := s.Reconcile(ctx, day)
	if err != nil {
		log.Printf("❌ Reconciliation error: %v", err)
		return report
	}
	s.mu.Lock()
	repair := s.autoRepair
	s.mu.Unlock()

	if !report.Consistent {
		log.Printf("⚠️ Reconciliation %s: journal=%d index=%d missing=%d", day, report.JournalCount, report.IndexCount, len(report.MissingInIndex))
		if s.health != nil {
			s.health.Report(monitor.Fault{
				Kind:      monitor.ReconciliationMismatch,
				Component: "reconciliation",
				Message:   fmt.Sprintf("%s: journal=%d index=%d missing=%d", day, report.JournalCount, report.IndexCount, len(report.MissingInIndex)),
			})
		}
		if repair {
			repaired, err := s.Repair(ctx, day)
			if err != nil {
				log.Printf("❌ Reconciliation repair %s: %v", day, err)
			} else {
				report = repaired
			}
		}
	}

	s.mu.Lock()
	s.last[day] = report
	if report.Consistent {
		delete(s.open, day)
	} else {
		s.open[day] = true
	}
	clear := len(s.open) == 0
	s.mu.Unlock()

	if report.Consistent {
		log.Printf("✅ Reconciliation OK - %s journal and index match (%d events)", day, report.JournalCount)
	}
	if clear && s.health != nil {
		s.health.Recovered(monitor.ReconciliationMismatch)
	}
	return report
}

// LastReport returns the most recent report for day.
func (s *Service) LastReport(day string) (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[day]
	return r, ok
}

// Days lists the journal days, oldest first.
func (s *Service) Days() ([]string, error) {
	return s.journal.Days()
}
