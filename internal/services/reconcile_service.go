package services

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veritylab/raterhub/internal/models"
)

// ParticipationLedger is the recruitment platform's read-only record of who
// actually completed the study. It may lag; a session absent today can be
// present on a later run.
type ParticipationLedger interface {
	// Lookup reports whether the platform has a confirmed submission for the
	// identity triple. An error means the check itself failed and says
	// nothing about the participant.
	Lookup(ctx context.Context, participantID, studyID, submissionID string) (bool, error)
}

type ReconcileStore interface {
	// ListTerminalSessions returns every session no longer active, including
	// previously flagged ones so re-runs can flip their verdicts.
	ListTerminalSessions() ([]*models.RaterSession, error)
	// UpsertReconciliationRecord overwrites the verdict for the session.
	UpsertReconciliationRecord(rec *models.ReconciliationRecord) error
	// MarkReconciliationFailed flags a completed or expired session; returns
	// false if the session was not in either state.
	MarkReconciliationFailed(sessionID string) (bool, error)
	// RestoreSessionStatus lifts the reconciliation_failed flag back to the
	// given terminal status; returns false if the session was not flagged.
	RestoreSessionStatus(sessionID string, to models.SessionStatus) (bool, error)
}

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Checked     int `json:"checked"`
	Confirmed   int `json:"confirmed"`
	Unconfirmed int `json:"unconfirmed"`
	Failed      int `json:"failed"`
}

// ReconcileService cross-checks terminal sessions against the participation
// ledger after data collection closes. Unconfirmed sessions are flagged, not
// deleted; the raw data stays for audit.
type ReconcileService struct {
	store       ReconcileStore
	ledger      ParticipationLedger
	parallelism int
	now         func() time.Time
}

func NewReconcileService(store ReconcileStore, ledger ParticipationLedger, parallelism int) *ReconcileService {
	if parallelism < 1 {
		parallelism = 1
	}
	return &ReconcileService{
		store:       store,
		ledger:      ledger,
		parallelism: parallelism,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every terminal session once. Safe to re-run: each pass
// overwrites the per-session verdict, so a session the ledger confirms later
// flips from unconfirmed to confirmed and gets its status restored.
func (s *ReconcileService) Run(ctx context.Context) (*ReconcileReport, error) {
	sessions, err := s.store.ListTerminalSessions()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	report := &ReconcileReport{}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			verdict, err := s.reconcileOne(ctx, sess)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch verdict {
			case models.VerdictConfirmed:
				report.Confirmed++
			case models.VerdictUnconfirmed:
				report.Unconfirmed++
			case models.VerdictCheckFailed:
				report.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *ReconcileService) reconcileOne(ctx context.Context, sess *models.RaterSession) (models.Verdict, error) {
	found, lookupErr := s.ledger.Lookup(ctx, sess.ParticipantID, sess.StudyID, sess.SubmissionID)

	verdict := models.VerdictConfirmed
	switch {
	case lookupErr != nil:
		// Never conflate an unreachable ledger with a confirmed absence; the
		// check_failed verdict keeps the session in play for the next run.
		verdict = models.VerdictCheckFailed
		log.Printf("reconcile: ledger lookup for session %s: %v", sess.ID, lookupErr)
	case !found:
		verdict = models.VerdictUnconfirmed
	}

	rec := &models.ReconciliationRecord{
		SessionID: sess.ID,
		Verdict:   verdict,
		CheckedAt: s.now(),
	}
	if err := s.store.UpsertReconciliationRecord(rec); err != nil {
		return "", err
	}

	switch verdict {
	case models.VerdictUnconfirmed:
		if _, err := s.store.MarkReconciliationFailed(sess.ID); err != nil {
			return "", err
		}
	case models.VerdictConfirmed:
		if sess.Status == models.SessionReconciliationFailed {
			if _, err := s.store.RestoreSessionStatus(sess.ID, preFlagStatus(sess)); err != nil {
				return "", err
			}
		}
	}
	return verdict, nil
}

// preFlagStatus recovers the terminal status a flagged session held before
// reconciliation: ended within its time box means completed, otherwise
// expired.
func preFlagStatus(sess *models.RaterSession) models.SessionStatus {
	if !sess.EndedAt.IsZero() && !sess.EndedAt.After(sess.ExpiresAt) {
		return models.SessionCompleted
	}
	return models.SessionExpired
}
