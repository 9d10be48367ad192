package services

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritylab/raterhub/internal/models"
)

type RatingStore interface {
	GetSessionByToken(token string) (*models.RaterSession, error)
	ExpireSession(id string, endedAt time.Time) (bool, error)
	GetQuestion(id string) (*models.Question, error)
	// InsertRating stores the rating unless one already exists for the same
	// (session, question) pair; the existing row and created=false come back
	// on conflict. Uniqueness lives in the store so racing submissions
	// collapse to one rating.
	InsertRating(r *models.Rating) (*models.Rating, bool, error)
	// AdvanceSession bumps questions_completed and clears the served-question
	// marker, conditional on the marker still naming servedQuestionID.
	AdvanceSession(sessionID, servedQuestionID string) (bool, error)
	// GetRating returns the stored rating for the (session, question) pair, or
	// nil when none exists.
	GetRating(sessionID, questionID string) (*models.Rating, error)
}

type SubmitInput struct {
	Token       string
	QuestionID  string
	Value       string
	Confidence  int
	TimeStarted time.Time
}

// RatingReceipt acknowledges a submission. Duplicate submissions get the
// original rating's receipt back, flagged so clients can tell.
type RatingReceipt struct {
	RatingID    string    `json:"rating_id"`
	Duplicate   bool      `json:"duplicate"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type RatingService struct {
	store RatingStore
	now   func() time.Time
	idGen func() string
}

func NewRatingService(store RatingStore) *RatingService {
	return &RatingService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] },
	}
}

// Submit records a rating exactly once per (session, question) pair and
// advances the session. The question must be the one the dispenser actually
// served; stale or fabricated question ids are rejected rather than stored.
func (s *RatingService) Submit(in SubmitInput) (*RatingReceipt, error) {
	now := s.now()
	sess, err := activeSessionByToken(s.store, in.Token, now)
	if err != nil {
		return nil, err
	}

	questionID := strings.TrimSpace(in.QuestionID)
	if questionID == "" {
		return nil, NewQuestionMismatchError("Question does not match the one currently served")
	}

	q, err := s.store.GetQuestion(questionID)
	if err != nil {
		return nil, err
	}
	if q == nil || q.ExperimentID != sess.ExperimentID {
		return nil, NewQuestionMismatchError("Question does not belong to this experiment")
	}

	if questionID != sess.LastServedQuestionID {
		// A successful submit consumes the served-question marker, so a
		// network-level retry of that same submit arrives with the marker
		// already gone. Answer it with the original receipt instead of a
		// mismatch.
		existing, err := s.store.GetRating(sess.ID, questionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &RatingReceipt{RatingID: existing.ID, Duplicate: true, SubmittedAt: existing.SubmittedAt}, nil
		}
		return nil, NewQuestionMismatchError("Question does not match the one currently served")
	}

	value := strings.TrimSpace(in.Value)
	if err := validateAnswer(q, value); err != nil {
		return nil, err
	}
	if in.Confidence < 1 || in.Confidence > 5 {
		return nil, NewInvalidValueError("Confidence must be between 1 and 5")
	}

	timeStarted := in.TimeStarted
	if timeStarted.IsZero() {
		timeStarted = now
	} else {
		timeStarted = timeStarted.UTC()
	}

	rating := &models.Rating{
		ID:          s.idGen(),
		SessionID:   sess.ID,
		QuestionID:  q.ID,
		Value:       value,
		Confidence:  in.Confidence,
		TimeStarted: timeStarted,
		SubmittedAt: now,
	}
	stored, created, err := s.store.InsertRating(rating)
	if err != nil {
		return nil, err
	}
	if !created {
		return &RatingReceipt{RatingID: stored.ID, Duplicate: true, SubmittedAt: stored.SubmittedAt}, nil
	}

	// The conditional keeps a lost race from advancing twice: only the
	// submission that inserted the rating still sees its question marked as
	// served.
	if _, err := s.store.AdvanceSession(sess.ID, q.ID); err != nil {
		return nil, err
	}

	return &RatingReceipt{RatingID: stored.ID, SubmittedAt: stored.SubmittedAt}, nil
}

func validateAnswer(q *models.Question, value string) error {
	if value == "" {
		return NewInvalidValueError("Answer is required")
	}
	if q.Type != "MC" {
		return nil
	}
	for _, opt := range q.Options {
		if value == opt {
			return nil
		}
	}
	return NewInvalidValueError("Answer must be one of the question options")
}
