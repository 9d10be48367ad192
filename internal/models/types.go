package models

import "time"

// SessionStatus tracks the lifecycle of a rater session. Transitions only
// move forward: active -> completed | expired | reconciliation_failed.
type SessionStatus string

const (
	SessionActive               SessionStatus = "active"
	SessionCompleted            SessionStatus = "completed"
	SessionExpired              SessionStatus = "expired"
	SessionReconciliationFailed SessionStatus = "reconciliation_failed"
)

// Terminal reports whether the status permits no further rating activity.
func (s SessionStatus) Terminal() bool { return s != SessionActive }

// Experiment is owned by the admin surface; the rater path consumes it read-only.
type Experiment struct {
	ID            string
	Name          string
	CompletionURL string // recruitment platform redirect shown on completion
	CreatedAt     time.Time
}

// Question belongs to an experiment at a fixed ordinal position. Order is set
// at ingestion and never reshuffled, so a resumed session picks up exactly
// where it left off.
type Question struct {
	ID           string
	ExperimentID string
	ExternalID   string // id from the uploaded question set
	Position     int    // 0-based ordinal within the experiment
	Prompt       string
	Type         string   // "MC" or free text
	Options      []string // choices for MC questions
	GroundTruth  string   // never served to raters
	Extra        string   // opaque metadata carried through from ingestion
}

// RaterSession binds one recruitment-platform identity to one experiment.
// The token is the only credential accepted after Start.
type RaterSession struct {
	ID                   string
	ExperimentID         string
	ParticipantID        string
	StudyID              string
	SubmissionID         string // the platform's own session id for this participation
	Token                string
	Status               SessionStatus
	StartedAt            time.Time
	ExpiresAt            time.Time
	EndedAt              time.Time // zero while active
	QuestionsCompleted   int
	LastServedQuestionID string // set by the dispenser, cleared by the next submit
}

// Rating is a single submitted answer. At most one exists per
// (session, question) pair; the store's unique index enforces it.
type Rating struct {
	ID          string
	SessionID   string
	QuestionID  string
	Value       string
	Confidence  int // 1..5
	TimeStarted time.Time
	SubmittedAt time.Time
}

// Verdict is the outcome of checking one session against the external
// participation ledger.
type Verdict string

const (
	VerdictConfirmed   Verdict = "confirmed"
	VerdictUnconfirmed Verdict = "unconfirmed"
	// VerdictCheckFailed records that the ledger could not be reached for
	// this session. Distinct from unconfirmed so a transient outage never
	// excludes real participants' data.
	VerdictCheckFailed Verdict = "check_failed"
)

// ReconciliationRecord is one per session, overwritten on every reconcile run.
type ReconciliationRecord struct {
	SessionID string
	Verdict   Verdict
	CheckedAt time.Time
}
