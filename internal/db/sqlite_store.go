package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/veritylab/raterhub/internal/models"
	"github.com/veritylab/raterhub/internal/services"
)

// SQLiteStore is the durable backing for all rater session state. Every
// guarantee the services rely on — one session per identity, one rating per
// (session, question), forward-only status moves — is enforced here with
// unique indexes and conditional updates, never with read-then-write.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toNullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		log.Printf("sqlite store: parse time %q: %v", s, err)
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return parseTime(ns.String)
}

func encodeOptions(options []string) (sql.NullString, error) {
	if len(options) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(options)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeOptions(ns sql.NullString) []string {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		log.Printf("sqlite store: decode options: %v", err)
		return nil
	}
	return out
}

// --- Experiments ---

func (s *SQLiteStore) InsertExperiment(e *models.Experiment) error {
	if e == nil || strings.TrimSpace(e.ID) == "" {
		return errors.New("invalid experiment")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO experiments (id, name, completion_url, created_at)
      VALUES (?, ?, ?, ?)`, e.ID, e.Name, toNullString(e.CompletionURL), formatTime(e.CreatedAt))
	return err
}

// GetExperiment returns nil for unknown or soft-deleted experiments.
func (s *SQLiteStore) GetExperiment(id string) (*models.Experiment, error) {
	row := s.db.QueryRow(`SELECT id, name, completion_url, created_at
      FROM experiments WHERE id = ? AND deleted_at IS NULL`, id)
	var e models.Experiment
	var completionURL sql.NullString
	var created string
	if err := row.Scan(&e.ID, &e.Name, &completionURL, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.CompletionURL = completionURL.String
	e.CreatedAt = parseTime(created)
	return &e, nil
}

// --- Questions ---

func (s *SQLiteStore) InsertQuestion(q *models.Question) error {
	if q == nil || strings.TrimSpace(q.ID) == "" {
		return errors.New("invalid question")
	}
	options, err := encodeOptions(q.Options)
	if err != nil {
		return err
	}
	qType := q.Type
	if qType == "" {
		qType = "MC"
	}
	_, err = s.db.Exec(`INSERT INTO questions
      (id, experiment_id, external_id, position, prompt, question_type, options, ground_truth, extra_data)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.ExperimentID, q.ExternalID, q.Position, q.Prompt, qType,
		options, toNullString(q.GroundTruth), toNullString(q.Extra))
	return err
}

func (s *SQLiteStore) QuestionCount(experimentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions WHERE experiment_id = ?`, experimentID).Scan(&n)
	return n, err
}

const questionColumns = `id, experiment_id, external_id, position, prompt, question_type, options, ground_truth, extra_data`

func scanQuestion(row *sql.Row) (*models.Question, error) {
	var q models.Question
	var options, groundTruth, extra sql.NullString
	if err := row.Scan(&q.ID, &q.ExperimentID, &q.ExternalID, &q.Position, &q.Prompt, &q.Type, &options, &groundTruth, &extra); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	q.Options = decodeOptions(options)
	q.GroundTruth = groundTruth.String
	q.Extra = extra.String
	return &q, nil
}

// QuestionAt indexes into the ingestion order. OFFSET over the unique
// (experiment_id, position) index keeps the mapping stable even if positions
// are sparse.
func (s *SQLiteStore) QuestionAt(experimentID string, ordinal int) (*models.Question, error) {
	if ordinal < 0 {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT `+questionColumns+` FROM questions
      WHERE experiment_id = ? ORDER BY position ASC LIMIT 1 OFFSET ?`, experimentID, ordinal)
	return scanQuestion(row)
}

func (s *SQLiteStore) GetQuestion(id string) (*models.Question, error) {
	row := s.db.QueryRow(`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	return scanQuestion(row)
}

// --- Rater sessions ---

const sessionColumns = `id, experiment_id, participant_id, study_id, submission_id, token, status,
      started_at, expires_at, ended_at, questions_completed, last_served_question_id`

func scanSession(scan func(dest ...any) error) (*models.RaterSession, error) {
	var sess models.RaterSession
	var status, started, expires string
	var ended, lastServed sql.NullString
	err := scan(&sess.ID, &sess.ExperimentID, &sess.ParticipantID, &sess.StudyID, &sess.SubmissionID,
		&sess.Token, &status, &started, &expires, &ended, &sess.QuestionsCompleted, &lastServed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	sess.StartedAt = parseTime(started)
	sess.ExpiresAt = parseTime(expires)
	sess.EndedAt = parseNullTime(ended)
	sess.LastServedQuestionID = lastServed.String
	return &sess, nil
}

// CreateSession is the compare-and-create behind idempotent Start. The insert
// defers to the unique identity index; when another request (or tab) won the
// race, the winner's row comes back unchanged.
func (s *SQLiteStore) CreateSession(sess *models.RaterSession) (*models.RaterSession, bool, error) {
	if sess == nil || strings.TrimSpace(sess.ID) == "" || strings.TrimSpace(sess.Token) == "" {
		return nil, false, errors.New("invalid session")
	}
	res, err := s.db.Exec(`INSERT INTO rater_sessions
      (id, experiment_id, participant_id, study_id, submission_id, token, status,
       started_at, expires_at, questions_completed)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
      ON CONFLICT(experiment_id, participant_id, study_id, submission_id) DO NOTHING`,
		sess.ID, sess.ExperimentID, sess.ParticipantID, sess.StudyID, sess.SubmissionID,
		sess.Token, string(sess.Status), formatTime(sess.StartedAt), formatTime(sess.ExpiresAt))
	if err != nil {
		return nil, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		stored := *sess
		return &stored, true, nil
	}
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM rater_sessions
      WHERE experiment_id = ? AND participant_id = ? AND study_id = ? AND submission_id = ?`,
		sess.ExperimentID, sess.ParticipantID, sess.StudyID, sess.SubmissionID)
	existing, err := scanSession(row.Scan)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("session insert conflicted but no existing row found")
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetSessionByToken(token string) (*models.RaterSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM rater_sessions WHERE token = ?`, token)
	return scanSession(row.Scan)
}

func (s *SQLiteStore) transitionSession(id string, to models.SessionStatus, endedAt time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE rater_sessions SET status = ?, ended_at = ?
      WHERE id = ? AND status = 'active'`, string(to), formatTime(endedAt), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) ExpireSession(id string, endedAt time.Time) (bool, error) {
	return s.transitionSession(id, models.SessionExpired, endedAt)
}

func (s *SQLiteStore) CompleteSession(id string, endedAt time.Time) (bool, error) {
	return s.transitionSession(id, models.SessionCompleted, endedAt)
}

func (s *SQLiteStore) SetLastServedQuestion(sessionID, questionID string) (bool, error) {
	res, err := s.db.Exec(`UPDATE rater_sessions SET last_served_question_id = ?
      WHERE id = ? AND status = 'active'`, questionID, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AdvanceSession moves the progress counter exactly once per served question:
// the WHERE clause only matches while the marker still names the question the
// caller just recorded a rating for.
func (s *SQLiteStore) AdvanceSession(sessionID, servedQuestionID string) (bool, error) {
	res, err := s.db.Exec(`UPDATE rater_sessions
      SET questions_completed = questions_completed + 1, last_served_question_id = NULL
      WHERE id = ? AND last_served_question_id = ?`, sessionID, servedQuestionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) ListSessions() ([]*models.RaterSession, error) {
	return s.listSessions(`SELECT ` + sessionColumns + ` FROM rater_sessions ORDER BY started_at DESC`)
}

func (s *SQLiteStore) ListTerminalSessions() ([]*models.RaterSession, error) {
	return s.listSessions(`SELECT ` + sessionColumns + ` FROM rater_sessions
      WHERE status != 'active' ORDER BY started_at ASC`)
}

func (s *SQLiteStore) listSessions(query string) ([]*models.RaterSession, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.Printf("sqlite store: listSessions: rows.Close: %v", cerr)
		}
	}()
	var out []*models.RaterSession
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- Ratings ---

// InsertRating relies on the (session_id, question_id) unique index to
// collapse racing duplicate submissions: exactly one insert lands, everyone
// else reads the stored row back.
func (s *SQLiteStore) InsertRating(r *models.Rating) (*models.Rating, bool, error) {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return nil, false, errors.New("invalid rating")
	}
	res, err := s.db.Exec(`INSERT INTO ratings
      (id, session_id, question_id, value, confidence, time_started, submitted_at)
      VALUES (?, ?, ?, ?, ?, ?, ?)
      ON CONFLICT(session_id, question_id) DO NOTHING`,
		r.ID, r.SessionID, r.QuestionID, r.Value, r.Confidence,
		formatTime(r.TimeStarted), formatTime(r.SubmittedAt))
	if err != nil {
		return nil, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		stored := *r
		return &stored, true, nil
	}
	existing, err := s.GetRating(r.SessionID, r.QuestionID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("rating insert conflicted but no existing row found")
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetRating(sessionID, questionID string) (*models.Rating, error) {
	row := s.db.QueryRow(`SELECT id, session_id, question_id, value, confidence, time_started, submitted_at
      FROM ratings WHERE session_id = ? AND question_id = ?`, sessionID, questionID)
	var r models.Rating
	var started, submitted string
	if err := row.Scan(&r.ID, &r.SessionID, &r.QuestionID, &r.Value,
		&r.Confidence, &started, &submitted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.TimeStarted = parseTime(started)
	r.SubmittedAt = parseTime(submitted)
	return &r, nil
}

func (s *SQLiteStore) CountRatingsBySession(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ratings WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// --- Reconciliation ---

func (s *SQLiteStore) UpsertReconciliationRecord(rec *models.ReconciliationRecord) error {
	if rec == nil || strings.TrimSpace(rec.SessionID) == "" {
		return errors.New("invalid reconciliation record")
	}
	_, err := s.db.Exec(`INSERT INTO reconciliation_records (session_id, verdict, checked_at)
      VALUES (?, ?, ?)
      ON CONFLICT(session_id) DO UPDATE SET verdict = excluded.verdict, checked_at = excluded.checked_at`,
		rec.SessionID, string(rec.Verdict), formatTime(rec.CheckedAt))
	return err
}

func (s *SQLiteStore) GetReconciliationRecord(sessionID string) (*models.ReconciliationRecord, error) {
	row := s.db.QueryRow(`SELECT session_id, verdict, checked_at
      FROM reconciliation_records WHERE session_id = ?`, sessionID)
	var rec models.ReconciliationRecord
	var verdict, checked string
	if err := row.Scan(&rec.SessionID, &verdict, &checked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Verdict = models.Verdict(verdict)
	rec.CheckedAt = parseTime(checked)
	return &rec, nil
}

func (s *SQLiteStore) MarkReconciliationFailed(sessionID string) (bool, error) {
	res, err := s.db.Exec(`UPDATE rater_sessions SET status = 'reconciliation_failed'
      WHERE id = ? AND status IN ('completed', 'expired')`, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) RestoreSessionStatus(sessionID string, to models.SessionStatus) (bool, error) {
	if to != models.SessionCompleted && to != models.SessionExpired {
		return false, fmt.Errorf("cannot restore session to status %q", to)
	}
	res, err := s.db.Exec(`UPDATE rater_sessions SET status = ?
      WHERE id = ? AND status = 'reconciliation_failed'`, string(to), sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

var (
	_ services.ExperimentResolver = (*SQLiteStore)(nil)
	_ services.SessionStore       = (*SQLiteStore)(nil)
	_ services.QuestionStore      = (*SQLiteStore)(nil)
	_ services.RatingStore        = (*SQLiteStore)(nil)
	_ services.ReconcileStore     = (*SQLiteStore)(nil)
)
