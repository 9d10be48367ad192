package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/veritylab/raterhub/internal/models"
)

// stubStore is an in-memory stand-in for the sqlite store, mirroring its
// conditional-update semantics so the services can be tested in isolation.
// The mutex makes the stub safe for tests that hit it from several goroutines
// at once (reconcile sweeps, racing submits).
type stubStore struct {
	mu          sync.Mutex
	experiments map[string]*models.Experiment
	questions   []*models.Question
	sessions    map[string]*models.RaterSession
	ratings     map[string]*models.Rating
	records     map[string]*models.ReconciliationRecord
}

func newStubStore() *stubStore {
	return &stubStore{
		experiments: map[string]*models.Experiment{},
		sessions:    map[string]*models.RaterSession{},
		ratings:     map[string]*models.Rating{},
		records:     map[string]*models.ReconciliationRecord{},
	}
}

func (s *stubStore) addExperiment(e *models.Experiment) { s.experiments[e.ID] = e }

func (s *stubStore) addQuestion(q *models.Question) {
	s.questions = append(s.questions, q)
	sort.Slice(s.questions, func(i, j int) bool { return s.questions[i].Position < s.questions[j].Position })
}

func (s *stubStore) addSession(sess *models.RaterSession) {
	cp := *sess
	s.sessions[cp.ID] = &cp
}

func (s *stubStore) session(id string) *models.RaterSession { return s.sessions[id] }

func ratingKey(sessionID, questionID string) string {
	return fmt.Sprintf("%s|%s", sessionID, questionID)
}

func (s *stubStore) GetExperiment(id string) (*models.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.experiments[id], nil
}

func (s *stubStore) CreateSession(candidate *models.RaterSession) (*models.RaterSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ExperimentID == candidate.ExperimentID &&
			sess.ParticipantID == candidate.ParticipantID &&
			sess.StudyID == candidate.StudyID &&
			sess.SubmissionID == candidate.SubmissionID {
			cp := *sess
			return &cp, false, nil
		}
	}
	cp := *candidate
	s.sessions[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *stubStore) GetSessionByToken(token string) (*models.RaterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Token == token {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubStore) ExpireSession(id string, endedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess == nil || sess.Status != models.SessionActive {
		return false, nil
	}
	sess.Status = models.SessionExpired
	sess.EndedAt = endedAt
	return true, nil
}

func (s *stubStore) CompleteSession(id string, endedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess == nil || sess.Status != models.SessionActive {
		return false, nil
	}
	sess.Status = models.SessionCompleted
	sess.EndedAt = endedAt
	return true, nil
}

func (s *stubStore) QuestionCount(experimentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.questions {
		if q.ExperimentID == experimentID {
			n++
		}
	}
	return n, nil
}

func (s *stubStore) QuestionAt(experimentID string, ordinal int) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for _, q := range s.questions {
		if q.ExperimentID != experimentID {
			continue
		}
		if i == ordinal {
			cp := *q
			return &cp, nil
		}
		i++
	}
	return nil, nil
}

func (s *stubStore) GetQuestion(id string) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.questions {
		if q.ID == id {
			cp := *q
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubStore) SetLastServedQuestion(sessionID, questionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	if sess == nil || sess.Status != models.SessionActive {
		return false, nil
	}
	sess.LastServedQuestionID = questionID
	return true, nil
}

func (s *stubStore) InsertRating(r *models.Rating) (*models.Rating, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ratingKey(r.SessionID, r.QuestionID)
	if existing, ok := s.ratings[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *r
	s.ratings[key] = &cp
	out := cp
	return &out, true, nil
}

func (s *stubStore) GetRating(sessionID, questionID string) (*models.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.ratings[ratingKey(sessionID, questionID)]; ok {
		cp := *existing
		return &cp, nil
	}
	return nil, nil
}

func (s *stubStore) AdvanceSession(sessionID, servedQuestionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	if sess == nil || sess.LastServedQuestionID != servedQuestionID {
		return false, nil
	}
	sess.QuestionsCompleted++
	sess.LastServedQuestionID = ""
	return true, nil
}

func (s *stubStore) ListTerminalSessions() ([]*models.RaterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RaterSession
	for _, sess := range s.sessions {
		if sess.Status.Terminal() {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubStore) UpsertReconciliationRecord(rec *models.ReconciliationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.SessionID] = &cp
	return nil
}

func (s *stubStore) MarkReconciliationFailed(sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	if sess == nil || (sess.Status != models.SessionCompleted && sess.Status != models.SessionExpired) {
		return false, nil
	}
	sess.Status = models.SessionReconciliationFailed
	return true, nil
}

func (s *stubStore) RestoreSessionStatus(sessionID string, to models.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	if sess == nil || sess.Status != models.SessionReconciliationFailed {
		return false, nil
	}
	sess.Status = to
	return true, nil
}

var (
	_ SessionStore   = (*stubStore)(nil)
	_ QuestionStore  = (*stubStore)(nil)
	_ RatingStore    = (*stubStore)(nil)
	_ ReconcileStore = (*stubStore)(nil)
)
