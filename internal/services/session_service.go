package services

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritylab/raterhub/internal/models"
)

type ErrorCode string

const (
	ErrorMissingIdentity   ErrorCode = "missing_identity"
	ErrorMalformedIdentity ErrorCode = "malformed_identity"
	ErrorUnknownExperiment ErrorCode = "unknown_experiment"
	ErrorSessionNotFound   ErrorCode = "session_not_found"
	ErrorSessionExpired    ErrorCode = "session_expired"
	ErrorQuestionMismatch  ErrorCode = "question_mismatch"
	ErrorInvalidValue      ErrorCode = "invalid_value"
	ErrorUnauthorized      ErrorCode = "unauthorized"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func NewMissingIdentityError(msg string) error {
	return &ServiceError{Code: ErrorMissingIdentity, Message: msg}
}

func NewMalformedIdentityError(msg string) error {
	return &ServiceError{Code: ErrorMalformedIdentity, Message: msg}
}

func NewUnknownExperimentError(msg string) error {
	return &ServiceError{Code: ErrorUnknownExperiment, Message: msg}
}

func NewSessionNotFoundError(msg string) error {
	return &ServiceError{Code: ErrorSessionNotFound, Message: msg}
}

func NewSessionExpiredError(msg string) error {
	return &ServiceError{Code: ErrorSessionExpired, Message: msg}
}

func NewQuestionMismatchError(msg string) error {
	return &ServiceError{Code: ErrorQuestionMismatch, Message: msg}
}

func NewInvalidValueError(msg string) error {
	return &ServiceError{Code: ErrorInvalidValue, Message: msg}
}

func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// SessionStore is the persistence surface the session manager needs. The
// compare-and-create in CreateSession and the status guards in
// ExpireSession/CompleteSession must be atomic in the store, not emulated
// with read-then-write.
type SessionStore interface {
	// CreateSession inserts the candidate unless a session already exists for
	// the same (experiment, participant, study, submission) identity. It
	// returns the stored row either way, plus whether the candidate won.
	CreateSession(s *models.RaterSession) (*models.RaterSession, bool, error)
	GetSessionByToken(token string) (*models.RaterSession, error)
	GetExperiment(id string) (*models.Experiment, error)
	// ExpireSession moves active -> expired; returns false if the session was
	// no longer active.
	ExpireSession(id string, endedAt time.Time) (bool, error)
	// CompleteSession moves active -> completed; returns false if the session
	// was no longer active.
	CompleteSession(id string, endedAt time.Time) (bool, error)
}

// sessionGuard is the slice of a store every token-taking operation needs to
// re-validate the session and apply lazy expiry.
type sessionGuard interface {
	GetSessionByToken(token string) (*models.RaterSession, error)
	ExpireSession(id string, endedAt time.Time) (bool, error)
}

// activeSessionByToken resolves a token to a session that is active right
// now. Expiry is evaluated here, on read; there is no background sweep.
func activeSessionByToken(store sessionGuard, token string, now time.Time) (*models.RaterSession, error) {
	sess, err := sessionByToken(store, token, now)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionActive {
		return nil, NewSessionExpiredError("Session expired")
	}
	return sess, nil
}

// sessionByToken resolves a token, applying the lazy active -> expired
// transition but returning terminal sessions as-is.
func sessionByToken(store sessionGuard, token string, now time.Time) (*models.RaterSession, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NewSessionNotFoundError("Session not found")
	}
	sess, err := store.GetSessionByToken(token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, NewSessionNotFoundError("Session not found")
	}
	if sess.Status == models.SessionActive && now.After(sess.ExpiresAt) {
		if _, err := store.ExpireSession(sess.ID, now); err != nil {
			return nil, err
		}
		sess.Status = models.SessionExpired
		sess.EndedAt = now
	}
	return sess, nil
}

type SessionService struct {
	store       SessionStore
	validator   *IdentityValidator
	maxDuration time.Duration
	now         func() time.Time
	idGen       func() string
	tokenGen    func() string
}

// StartResult is everything the rater client needs to run a session. The
// token is returned here and never echoed by any later call.
type StartResult struct {
	SessionID          string    `json:"session_id"`
	Token              string    `json:"token"`
	Resumed            bool      `json:"resumed"`
	ExperimentName     string    `json:"experiment_name"`
	CompletionURL      string    `json:"completion_url,omitempty"`
	SessionStart       time.Time `json:"session_start"`
	SessionEnd         time.Time `json:"session_end"`
	QuestionsCompleted int       `json:"questions_completed"`
}

type SessionStatus struct {
	IsActive             bool `json:"is_active"`
	TimeRemainingSeconds int  `json:"time_remaining_seconds"`
	QuestionsCompleted   int  `json:"questions_completed"`
}

func NewSessionService(store SessionStore, validator *IdentityValidator, maxDuration time.Duration) *SessionService {
	return &SessionService{
		store:       store,
		validator:   validator,
		maxDuration: maxDuration,
		now:         func() time.Time { return time.Now().UTC() },
		idGen:       func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] },
		tokenGen:    generateSessionToken,
	}
}

func generateSessionToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("session token entropy unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Start issues a session for a validated identity. Repeat calls with the same
// identity return the existing session unchanged, so page reloads and network
// retries never mint a second session. An identity whose session already
// ended is refused outright.
func (s *SessionService) Start(in IdentityInput) (*StartResult, error) {
	ident, err := s.validator.Validate(in)
	if err != nil {
		return nil, err
	}
	exp, err := s.store.GetExperiment(ident.ExperimentID)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, NewUnknownExperimentError("Experiment not found")
	}

	now := s.now()
	candidate := &models.RaterSession{
		ID:            s.idGen(),
		ExperimentID:  ident.ExperimentID,
		ParticipantID: ident.ParticipantID,
		StudyID:       ident.StudyID,
		SubmissionID:  ident.SubmissionID,
		Token:         s.tokenGen(),
		Status:        models.SessionActive,
		StartedAt:     now,
		ExpiresAt:     now.Add(s.maxDuration),
	}
	sess, created, err := s.store.CreateSession(candidate)
	if err != nil {
		return nil, err
	}
	if !created {
		if sess.Status == models.SessionActive && now.After(sess.ExpiresAt) {
			if _, err := s.store.ExpireSession(sess.ID, now); err != nil {
				return nil, err
			}
			sess.Status = models.SessionExpired
		}
		if sess.Status.Terminal() {
			return nil, NewSessionExpiredError("You have already completed a session for this experiment")
		}
	}

	return &StartResult{
		SessionID:          sess.ID,
		Token:              sess.Token,
		Resumed:            !created,
		ExperimentName:     exp.Name,
		CompletionURL:      exp.CompletionURL,
		SessionStart:       sess.StartedAt,
		SessionEnd:         sess.ExpiresAt,
		QuestionsCompleted: sess.QuestionsCompleted,
	}, nil
}

// Status answers for any known token, including terminal sessions, so the UI
// can render a definitive end state instead of retrying.
func (s *SessionService) Status(token string) (*SessionStatus, error) {
	now := s.now()
	sess, err := sessionByToken(s.store, token, now)
	if err != nil {
		return nil, err
	}
	remaining := 0
	if sess.Status == models.SessionActive {
		remaining = int(sess.ExpiresAt.Sub(now).Seconds())
		if remaining < 0 {
			remaining = 0
		}
	}
	return &SessionStatus{
		IsActive:             sess.Status == models.SessionActive,
		TimeRemainingSeconds: remaining,
		QuestionsCompleted:   sess.QuestionsCompleted,
	}, nil
}

// End moves an active session to completed. Ending a session that already
// reached a terminal state is a no-op success; browsers fire unload handlers
// and completion redirects more than once.
func (s *SessionService) End(token string) error {
	now := s.now()
	sess, err := sessionByToken(s.store, token, now)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	if _, err := s.store.CompleteSession(sess.ID, now); err != nil {
		return err
	}
	return nil
}
