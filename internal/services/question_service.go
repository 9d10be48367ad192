package services

import (
	"time"

	"github.com/veritylab/raterhub/internal/models"
)

type QuestionStore interface {
	GetSessionByToken(token string) (*models.RaterSession, error)
	ExpireSession(id string, endedAt time.Time) (bool, error)
	CompleteSession(id string, endedAt time.Time) (bool, error)
	QuestionCount(experimentID string) (int, error)
	// QuestionAt returns the question at the 0-based ordinal fixed at
	// ingestion, or nil past the end.
	QuestionAt(experimentID string, ordinal int) (*models.Question, error)
	// SetLastServedQuestion records the dispensed question while the session
	// is still active; returns false otherwise.
	SetLastServedQuestion(sessionID, questionID string) (bool, error)
}

// QuestionView is the rater-facing shape of a question. Ground truth stays
// server-side.
type QuestionView struct {
	ID         string   `json:"id"`
	ExternalID string   `json:"question_id"`
	Prompt     string   `json:"question_text"`
	Type       string   `json:"question_type"`
	Options    []string `json:"options,omitempty"`
	Position   int      `json:"position"`
	Extra      string   `json:"extra_data,omitempty"`
}

// QuestionService dispenses questions in their fixed ingestion order. The
// ordinal is derived from the session's completed count, so the endpoint is a
// pure function of stored state: polling or retrying Next without a submit in
// between always yields the same question.
type QuestionService struct {
	store QuestionStore
	now   func() time.Time
}

func NewQuestionService(store QuestionStore) *QuestionService {
	return &QuestionService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Next returns the next unanswered question for the session, or nil when the
// experiment is exhausted, in which case the session transitions to completed.
func (s *QuestionService) Next(token string) (*QuestionView, error) {
	now := s.now()
	sess, err := activeSessionByToken(s.store, token, now)
	if err != nil {
		return nil, err
	}

	count, err := s.store.QuestionCount(sess.ExperimentID)
	if err != nil {
		return nil, err
	}
	if sess.QuestionsCompleted >= count {
		if _, err := s.store.CompleteSession(sess.ID, now); err != nil {
			return nil, err
		}
		return nil, nil
	}

	q, err := s.store.QuestionAt(sess.ExperimentID, sess.QuestionsCompleted)
	if err != nil {
		return nil, err
	}
	if q == nil {
		// Question set shrank underneath an in-flight session; treat as done.
		if _, err := s.store.CompleteSession(sess.ID, now); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if _, err := s.store.SetLastServedQuestion(sess.ID, q.ID); err != nil {
		return nil, err
	}

	return &QuestionView{
		ID:         q.ID,
		ExternalID: q.ExternalID,
		Prompt:     q.Prompt,
		Type:       q.Type,
		Options:    q.Options,
		Position:   q.Position,
		Extra:      q.Extra,
	}, nil
}
