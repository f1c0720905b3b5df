package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brandforge/backend/internal/email"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []email.Message
	fail map[string]error
}

func (s *fakeSender) Send(_ context.Context, msg email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[msg.To]; ok {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) messages() []email.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]email.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

func lifecycleCols() []string {
	return []string{"stripe_subscription_id", "user_id", "plan_code", "email", "name", "trial_end"}
}

// Each pass's select is recognized by the flag column it filters on.
var passFragments = map[string]string{
	"welcome":        "welcome_email_sent IS NULL",
	"trial_reminder": "trial_reminder_sent IS NULL",
	"final_reminder": "final_reminder_sent IS NULL",
	"conversion":     "conversion_email_sent IS NULL",
}

func expectEmptyPasses(mock sqlmock.Sqlmock, except string) {
	for name, fragment := range passFragments {
		if name == except {
			continue
		}
		mock.ExpectQuery(fragment).WillReturnRows(sqlmock.NewRows(lifecycleCols()))
	}
}

func TestLifecycleTrialReminderSentOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	trialEnd := now.Add(72 * time.Hour)

	expectEmptyPasses(mock, "trial_reminder")
	mock.ExpectQuery("trial_reminder_sent IS NULL").
		WithArgs(now.Add(60*time.Hour), now.Add(84*time.Hour)).
		WillReturnRows(sqlmock.NewRows(lifecycleCols()).
			AddRow("sub_123", "user-1", "PRO_50", "jane@example.com", "Jane", trialEnd))
	mock.ExpectExec("SET trial_reminder_sent = NOW").
		WithArgs("sub_123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sender := &fakeSender{}
	w := &LifecycleEmailWorker{
		DB:     db,
		Sender: sender,
		Now:    func() time.Time { return now },
	}

	if got := w.RunOnce(context.Background()); got != 1 {
		t.Fatalf("expected 1 email sent, got %d", got)
	}

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].To != "jane@example.com" {
		t.Errorf("unexpected recipient %q", msgs[0].To)
	}
	if msgs[0].Tag != "trial_reminder" {
		t.Errorf("unexpected tag %q", msgs[0].Tag)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLifecycleSecondRunSendsNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	// Flags set on the first run keep every candidate out of the selects.
	expectEmptyPasses(mock, "")

	sender := &fakeSender{}
	w := &LifecycleEmailWorker{DB: db, Sender: sender}

	if got := w.RunOnce(context.Background()); got != 0 {
		t.Fatalf("expected 0 emails sent, got %d", got)
	}
	if len(sender.messages()) != 0 {
		t.Fatalf("expected no messages, got %d", len(sender.messages()))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLifecycleOverlappingRunSkipped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	sender := &fakeSender{}
	w := &LifecycleEmailWorker{DB: db, Sender: sender}
	w.running.Store(true)

	// No DB expectations: the overlapping run must not touch the database.
	if got := w.RunOnce(context.Background()); got != 0 {
		t.Fatalf("expected skipped run to send 0, got %d", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
	if w.running.Load() != true {
		t.Errorf("skipped run must not clear the in-flight guard")
	}
}

func TestLifecyclePerRowFailureIsolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	trialEnd := now.Add(24 * time.Hour)

	expectEmptyPasses(mock, "final_reminder")
	mock.ExpectQuery("final_reminder_sent IS NULL").
		WithArgs(now.Add(18*time.Hour), now.Add(30*time.Hour)).
		WillReturnRows(sqlmock.NewRows(lifecycleCols()).
			AddRow("sub_bad", "user-1", "PRO_50", "bounce@example.com", "Bounce", trialEnd).
			AddRow("sub_ok", "user-2", "PRO_200", "ok@example.com", "Okay", trialEnd))
	// Only the successful send claims its flag.
	mock.ExpectExec("SET final_reminder_sent = NOW").
		WithArgs("sub_ok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sender := &fakeSender{fail: map[string]error{"bounce@example.com": errors.New("smtp 550")}}
	w := &LifecycleEmailWorker{
		DB:     db,
		Sender: sender,
		Now:    func() time.Time { return now },
	}

	if got := w.RunOnce(context.Background()); got != 1 {
		t.Fatalf("expected 1 email sent, got %d", got)
	}
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].To != "ok@example.com" {
		t.Fatalf("expected only the second recipient to receive mail, got %+v", msgs)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLifecycleConversionPass(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	expectEmptyPasses(mock, "conversion")
	mock.ExpectQuery("conversion_email_sent IS NULL").
		WithArgs(now.Add(-2*time.Hour)).
		WillReturnRows(sqlmock.NewRows(lifecycleCols()).
			AddRow("sub_42", "user-9", "AGENCY", "owner@example.com", "Sam", now.Add(-1*time.Hour)))
	mock.ExpectExec("SET conversion_email_sent = NOW").
		WithArgs("sub_42").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sender := &fakeSender{}
	w := &LifecycleEmailWorker{
		DB:     db,
		Sender: sender,
		Now:    func() time.Time { return now },
	}

	if got := w.RunOnce(context.Background()); got != 1 {
		t.Fatalf("expected 1 email sent, got %d", got)
	}
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].Tag != "conversion" {
		t.Fatalf("expected one conversion message, got %+v", msgs)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
