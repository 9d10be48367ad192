package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritylab/raterhub/internal/middleware"
	"github.com/veritylab/raterhub/internal/models"
	"github.com/veritylab/raterhub/internal/services"
)

// AdminStore is the slice of persistence the operator endpoints need beyond
// the rater services.
type AdminStore interface {
	ListSessions() ([]*models.RaterSession, error)
	GetReconciliationRecord(sessionID string) (*models.ReconciliationRecord, error)
	InsertExperiment(e *models.Experiment) error
	InsertQuestion(q *models.Question) error
}

type Router struct {
	sessions  *services.SessionService
	questions *services.QuestionService
	ratings   *services.RatingService
	reconcile *services.ReconcileService
	auth      *services.OperatorAuthService
	store     AdminStore
}

func NewRouter(
	sessions *services.SessionService,
	questions *services.QuestionService,
	ratings *services.RatingService,
	reconcile *services.ReconcileService,
	auth *services.OperatorAuthService,
	store AdminStore,
) *Router {
	return &Router{
		sessions:  sessions,
		questions: questions,
		ratings:   ratings,
		reconcile: reconcile,
		auth:      auth,
		store:     store,
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/raters/start", rt.handleStart)                  // POST
	mux.HandleFunc("/api/raters/next-question", rt.handleNextQuestion)   // GET
	mux.HandleFunc("/api/raters/submit", rt.handleSubmit)                // POST
	mux.HandleFunc("/api/raters/session-status", rt.handleSessionStatus) // GET
	mux.HandleFunc("/api/raters/end-session", rt.handleEndSession)       // POST
	mux.HandleFunc("/api/auth/login", rt.handleLogin)                    // POST

	mux.Handle("/api/admin/reconcile", middleware.RequireOperator(http.HandlerFunc(rt.handleReconcile))) // POST
	mux.Handle("/api/admin/sessions", middleware.RequireOperator(http.HandlerFunc(rt.handleAdminSessions)))
	mux.Handle("/api/admin/seed", middleware.RequireOperator(http.HandlerFunc(rt.handleSeed))) // POST
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the service taxonomy onto HTTP statuses. Anything untyped
// is an internal failure and stays opaque to the client.
func writeError(w http.ResponseWriter, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": "internal server error"})
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case services.ErrorMissingIdentity, services.ErrorMalformedIdentity, services.ErrorInvalidValue:
		status = http.StatusBadRequest
	case services.ErrorUnknownExperiment, services.ErrorSessionNotFound:
		status = http.StatusNotFound
	case services.ErrorSessionExpired:
		status = http.StatusForbidden
	case services.ErrorQuestionMismatch:
		status = http.StatusConflict
	case services.ErrorUnauthorized:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{"error": string(se.Code), "message": se.Message})
}

// bearerToken pulls the rater session token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// POST /api/raters/start?experiment_id=..&participant_id=..&study_id=..&session_id=..
// The recruitment platform appends the identity tuple to the study link; it
// arrives as query parameters on the first request.
func (rt *Router) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	result, err := rt.sessions.Start(services.IdentityInput{
		ExperimentID:  q.Get("experiment_id"),
		ParticipantID: q.Get("participant_id"),
		StudyID:       q.Get("study_id"),
		SubmissionID:  q.Get("session_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /api/raters/next-question
func (rt *Router) handleNextQuestion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	question, err := rt.questions.Next(bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if question == nil {
		writeJSON(w, http.StatusOK, map[string]any{"completed": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"question": question})
}

// POST /api/raters/submit
func (rt *Router) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		QuestionID  string `json:"question_id"`
		Value       string `json:"value"`
		Confidence  int    `json:"confidence"`
		TimeStarted string `json:"time_started"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var timeStarted time.Time
	if strings.TrimSpace(req.TimeStarted) != "" {
		t, err := time.Parse(time.RFC3339, req.TimeStarted)
		if err != nil {
			writeError(w, services.NewInvalidValueError("time_started must be an RFC 3339 timestamp"))
			return
		}
		timeStarted = t
	}
	receipt, err := rt.ratings.Submit(services.SubmitInput{
		Token:       bearerToken(r),
		QuestionID:  req.QuestionID,
		Value:       req.Value,
		Confidence:  req.Confidence,
		TimeStarted: timeStarted,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// GET /api/raters/session-status
func (rt *Router) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := rt.sessions.Status(bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// POST /api/raters/end-session
func (rt *Router) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := rt.sessions.End(bearerToken(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session ended successfully"})
}

// POST /api/auth/login
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := rt.auth.Login(req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /api/admin/reconcile — operator-triggered sweep against the
// participation ledger, run after data collection closes.
func (rt *Router) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if rt.reconcile == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger_not_configured", "message": "participation ledger is not configured"})
		return
	}
	report, err := rt.reconcile.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /api/admin/sessions
func (rt *Router) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := rt.store.ListSessions()
	if err != nil {
		writeError(w, err)
		return
	}
	type sessionView struct {
		ID                 string `json:"id"`
		ExperimentID       string `json:"experiment_id"`
		ParticipantID      string `json:"participant_id"`
		StudyID            string `json:"study_id"`
		SubmissionID       string `json:"submission_id"`
		Status             string `json:"status"`
		StartedAt          string `json:"started_at"`
		EndedAt            string `json:"ended_at,omitempty"`
		QuestionsCompleted int    `json:"questions_completed"`
		Verdict            string `json:"verdict,omitempty"`
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		view := sessionView{
			ID:                 sess.ID,
			ExperimentID:       sess.ExperimentID,
			ParticipantID:      sess.ParticipantID,
			StudyID:            sess.StudyID,
			SubmissionID:       sess.SubmissionID,
			Status:             string(sess.Status),
			StartedAt:          sess.StartedAt.Format(time.RFC3339),
			QuestionsCompleted: sess.QuestionsCompleted,
		}
		if !sess.EndedAt.IsZero() {
			view.EndedAt = sess.EndedAt.Format(time.RFC3339)
		}
		if rec, err := rt.store.GetReconciliationRecord(sess.ID); err == nil && rec != nil {
			view.Verdict = string(rec.Verdict)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// POST /api/admin/seed — create a throwaway experiment with a few questions
// for local testing of the rater flow.
func (rt *Router) handleSeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	expID := shortID(8)
	exp := &models.Experiment{ID: expID, Name: "Seed Experiment " + expID}
	if err := rt.store.InsertExperiment(exp); err != nil {
		writeError(w, err)
		return
	}
	prompts := []string{
		"Is the following statement factually accurate?",
		"Does the response fully answer the question asked?",
		"Rate whether the summary preserves the source's meaning.",
	}
	for i, prompt := range prompts {
		q := &models.Question{
			ID:           shortID(8),
			ExperimentID: expID,
			ExternalID:   "seed-" + shortID(4),
			Position:     i,
			Prompt:       prompt,
			Type:         "MC",
			Options:      []string{"Yes", "No", "Unsure"},
		}
		if err := rt.store.InsertQuestion(q); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "experiment_id": expID, "questions": len(prompts)})
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
