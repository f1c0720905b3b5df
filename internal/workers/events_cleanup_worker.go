package workers

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// EventsCleanupWorker removes analytics events older than the configured retention period.
type EventsCleanupWorker struct {
	DB              *sql.DB
	RetentionDays   int // How long to keep analytics events (default: 90)
	CheckIntervalMs int // How often to run cleanup (default: 3600000 = 1 hour)
}

// Start begins the events cleanup worker loop.
func (w *EventsCleanupWorker) Start(ctx context.Context) {
	if w.RetentionDays <= 0 {
		w.RetentionDays = 90
	}
	if w.CheckIntervalMs <= 0 {
		w.CheckIntervalMs = 3600000 // 1 hour
	}

	ticker := time.NewTicker(time.Duration(w.CheckIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	log.Printf("[EventsCleanupWorker] started (retention=%dd, interval=%dms)", w.RetentionDays, w.CheckIntervalMs)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[EventsCleanupWorker] stopped")
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

// cleanup removes analytics events older than the retention period.
func (w *EventsCleanupWorker) cleanup(ctx context.Context) {
	cutoffTime := time.Now().Add(-time.Duration(w.RetentionDays) * 24 * time.Hour)

	result, err := w.DB.ExecContext(ctx, `
		DELETE FROM public.analytics_events
		WHERE created_at < $1
	`, cutoffTime)

	if err != nil {
		log.Printf("[EventsCleanupWorker] error: %v", err)
		return
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		log.Printf("[EventsCleanupWorker] error getting rows affected: %v", err)
		return
	}

	if deleted > 0 {
		log.Printf("[EventsCleanupWorker] deleted %d old analytics events", deleted)
	}
}
