package workers

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandforge/backend/internal/email"
	"github.com/brandforge/backend/internal/plans"
	"golang.org/x/time/rate"
)

// LifecycleEmailWorker scans subscription state on a timer and fires the
// four one-shot lifecycle emails (welcome, trial reminder, final reminder,
// conversion). Each email is guarded by a nullable timestamp flag so a
// trigger fires at most once per subscription.
type LifecycleEmailWorker struct {
	DB       *sql.DB
	Sender   email.Sender
	Interval time.Duration // default: 1 hour
	Limiter  *rate.Limiter // send pacing; default 2/s
	Now      func() time.Time

	running atomic.Bool
}

type lifecyclePass struct {
	name     string
	template email.TemplateID
	flagCol  string
	query    string
	args     func(now time.Time) []any
}

// The window bounds are computed in Go and passed as parameters so runs are
// reproducible under a simulated clock.
var passes = []lifecyclePass{
	{
		name:     "welcome",
		template: email.TemplateWelcome,
		flagCol:  "welcome_email_sent",
		query: `
			SELECT s.stripe_subscription_id, s.user_id, s.plan_code, u.email, u.name, s.trial_end
			FROM public.subscriptions s
			JOIN public.users u ON u.id = s.user_id
			WHERE s.status = 'trialing'
			  AND s.trial_start >= $1
			  AND s.welcome_email_sent IS NULL
		`,
		args: func(now time.Time) []any {
			return []any{now.Add(-2 * time.Hour)}
		},
	},
	{
		name:     "trial_reminder",
		template: email.TemplateTrialReminder,
		flagCol:  "trial_reminder_sent",
		query: `
			SELECT s.stripe_subscription_id, s.user_id, s.plan_code, u.email, u.name, s.trial_end
			FROM public.subscriptions s
			JOIN public.users u ON u.id = s.user_id
			WHERE s.status = 'trialing'
			  AND s.trial_end BETWEEN $1 AND $2
			  AND s.trial_reminder_sent IS NULL
		`,
		args: func(now time.Time) []any {
			// 24-hour window centered three days out.
			return []any{now.Add(60 * time.Hour), now.Add(84 * time.Hour)}
		},
	},
	{
		name:     "final_reminder",
		template: email.TemplateFinalReminder,
		flagCol:  "final_reminder_sent",
		query: `
			SELECT s.stripe_subscription_id, s.user_id, s.plan_code, u.email, u.name, s.trial_end
			FROM public.subscriptions s
			JOIN public.users u ON u.id = s.user_id
			WHERE s.status = 'trialing'
			  AND s.trial_end BETWEEN $1 AND $2
			  AND s.final_reminder_sent IS NULL
		`,
		args: func(now time.Time) []any {
			// 12-hour window around one day out.
			return []any{now.Add(18 * time.Hour), now.Add(30 * time.Hour)}
		},
	},
	{
		name:     "conversion",
		template: email.TemplateConversion,
		flagCol:  "conversion_email_sent",
		query: `
			SELECT s.stripe_subscription_id, s.user_id, s.plan_code, u.email, u.name, s.trial_end
			FROM public.subscriptions s
			JOIN public.users u ON u.id = s.user_id
			WHERE s.status = 'active'
			  AND s.trial_end IS NOT NULL
			  AND s.updated_at >= $1
			  AND s.conversion_email_sent IS NULL
		`,
		args: func(now time.Time) []any {
			return []any{now.Add(-2 * time.Hour)}
		},
	},
}

// Start runs the worker loop until ctx is cancelled.
func (w *LifecycleEmailWorker) Start(ctx context.Context) {
	if w.Interval <= 0 {
		w.Interval = time.Hour
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	log.Printf("[LifecycleEmails] worker started interval=%s", w.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[LifecycleEmails] worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce executes all four passes. Overlapping invocations are skipped
// entirely rather than queued; the in-flight run keeps going.
func (w *LifecycleEmailWorker) RunOnce(ctx context.Context) int {
	if !w.running.CompareAndSwap(false, true) {
		log.Printf("[LifecycleEmails] previous run still in flight, skipping")
		return 0
	}
	defer w.running.Store(false)

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}

	// Passes are independent: one blowing up must not block the others.
	var wg sync.WaitGroup
	var total atomic.Int64
	for _, p := range passes {
		wg.Add(1)
		go func(p lifecyclePass) {
			defer wg.Done()
			n, err := w.runPass(ctx, p, now())
			if err != nil {
				log.Printf("[LifecycleEmails] pass=%s error: %v", p.name, err)
				return
			}
			total.Add(int64(n))
		}(p)
	}
	wg.Wait()

	if total.Load() > 0 {
		log.Printf("[LifecycleEmails] run complete sent=%d", total.Load())
	}
	return int(total.Load())
}

type lifecycleCandidate struct {
	stripeSubID string
	userID      string
	planCode    string
	email       string
	name        string
	trialEnd    sql.NullTime
}

func (w *LifecycleEmailWorker) runPass(ctx context.Context, p lifecyclePass, now time.Time) (int, error) {
	rows, err := w.DB.QueryContext(ctx, p.query, p.args(now)...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	cands := make([]lifecycleCandidate, 0)
	for rows.Next() {
		var c lifecycleCandidate
		if err := rows.Scan(&c.stripeSubID, &c.userID, &c.planCode, &c.email, &c.name, &c.trialEnd); err != nil {
			return 0, err
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	sent := 0
	for _, c := range cands {
		// One bad row must not abort the batch.
		if err := w.sendOne(ctx, p, c); err != nil {
			log.Printf("[LifecycleEmails] pass=%s sub=%s error: %v", p.name, c.stripeSubID, err)
			continue
		}
		sent++

		if w.Limiter != nil {
			if err := w.Limiter.Wait(ctx); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

func (w *LifecycleEmailWorker) sendOne(ctx context.Context, p lifecyclePass, c lifecycleCandidate) error {
	planName := c.planCode
	if plan, ok := plans.Table[plans.PlanCode(c.planCode)]; ok {
		planName = plan.Name
	}
	data := email.TemplateData{Name: c.name, PlanName: planName}
	if c.trialEnd.Valid {
		data.TrialEndDate = c.trialEnd.Time.UTC().Format("2006-01-02")
	}

	msg, err := email.Render(p.template, c.email, data)
	if err != nil {
		return err
	}
	if err := w.Sender.Send(ctx, msg); err != nil {
		return err
	}

	// The NULL guard makes this the at-most-once commit point even if two
	// instances raced past the select.
	res, err := w.DB.ExecContext(ctx, `
		UPDATE public.subscriptions
		SET `+p.flagCol+` = NOW(), updated_at = NOW()
		WHERE stripe_subscription_id = $1 AND `+p.flagCol+` IS NULL
	`, c.stripeSubID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[LifecycleEmails] pass=%s sub=%s flag already set", p.name, c.stripeSubID)
	}
	return nil
}
