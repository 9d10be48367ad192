package services

import (
	"testing"
	"time"

	"github.com/veritylab/raterhub/internal/models"
)

func newTestRatingService(store *stubStore) *RatingService {
	svc := NewRatingService(store)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC) }
	seq := 0
	svc.idGen = func() string {
		seq++
		return "rating00" + string(rune('0'+seq))
	}
	return svc
}

func serveQuestion(t *testing.T, store *stubStore, svc *QuestionService, token string) *QuestionView {
	t.Helper()
	q, err := svc.Next(token)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if q == nil {
		t.Fatalf("no question served")
	}
	return q
}

func TestSubmitRecordsRatingAndAdvances(t *testing.T) {
	store := newStubStore()
	sess := seedQuestionFixtures(store)
	qsvc := newTestQuestionService(store)
	rsvc := newTestRatingService(store)

	q := serveQuestion(t, store, qsvc, sess.Token)
	receipt, err := rsvc.Submit(SubmitInput{Token: sess.Token, QuestionID: q.ID, Value: "Yes", Confidence: 4})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Duplicate {
		t.Fatalf("fresh submission flagged duplicate")
	}
	if receipt.RatingID == "" {
		t.Fatalf("missing rating id")
	}

	updated := store.session(sess.ID)
	if updated.QuestionsCompleted != 1 {
		t.Fatalf("questions completed = %d, want 1", updated.QuestionsCompleted)
	}
	if updated.LastServedQuestionID != "" {
		t.Fatalf("served marker not cleared: %q", updated.LastServedQuestionID)
	}

	next := serveQuestion(t, store, qsvc, sess.Token)
	if next.ID != "Q2" {
		t.Fatalf("next question = %q, want Q2", next.ID)
	}
}

func TestSubmitDuplicateReturnsOriginalReceipt(t *testing.T) {
	store := newStubStore()
	sess := seedQuestionFixtures(store)
	qsvc := newTestQuestionService(store)
	rsvc := newTestRatingService(store)

	q := serveQuestion(t, store, qsvc, sess.Token)
	first, err := rsvc.Submit(SubmitInput{Token: sess.Token, QuestionID: q.ID, Value: "Yes", Confidence: 4})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A client that never saw the first response retries the identical
	// request; no intervening Next, the marker already consumed.
	second, err := rsvc.Submit(SubmitInput{Token: sess.Token, QuestionID: q.ID, Value: "No", Confidence: 1})
	if err != nil {
		t.Fatalf("retried Submit: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("duplicate not flagged")
	}
	if second.RatingID != first.RatingID {
		t.Fatalf("duplicate receipt id = %q, want %q", second.RatingID, first.RatingID)
	}
	if !second.SubmittedAt.Equal(first.SubmittedAt) {
		t.Fatalf("duplicate receipt time = %v, want %v", second.SubmittedAt, first.SubmittedAt)
	}
	if stored := store.ratings[ratingKey(sess.ID, q.ID)]; stored.Value != "Yes" {
		t.Fatalf("stored value overwritten: %q", stored.Value)
	}
	if got := store.session(sess.ID).QuestionsCompleted; got != 1 {
		t.Fatalf("duplicate advanced session: completed = %d", got)
	}
}

func TestSubmitConcurrentDuplicatesCollapse(t *testing.T) {
	store := newStubStore()
	sess := seedQuestionFixtures(store)
	qsvc := newTestQuestionService(store)
	rsvc := newTestRatingService(store)

	q := serveQuestion(t, store, qsvc, sess.Token)
	in := SubmitInput{Token: sess.Token, QuestionID: q.ID, Value: "Yes", Confidence: 4}

	type outcome struct {
		receipt *RatingReceipt
		err     error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			receipt, err := rsvc.Submit(in)
			results <- outcome{receipt, err}
		}()
	}
	var receipts []*RatingReceipt
	for i := 0; i < 2; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("concurrent Submit: %v", out.err)
		}
		receipts = append(receipts, out.receipt)
	}

	if receipts[0].RatingID != receipts[1].RatingID {
		t.Fatalf("receipts name different ratings: %q vs %q", receipts[0].RatingID, receipts[1].RatingID)
	}
	duplicates := 0
	for _, r := range receipts {
		if r.Duplicate {
			duplicates++
		}
	}
	if duplicates != 1 {
		t.Fatalf("duplicate flags = %d, want exactly one loser", duplicates)
	}
	if len(store.ratings) != 1 {
		t.Fatalf("ratings stored = %d, want 1", len(store.ratings))
	}
	if got := store.session(sess.ID).QuestionsCompleted; got != 1 {
		t.Fatalf("questions completed = %d, want 1", got)
	}
}

func TestSubmitRejectsUnservedQuestion(t *testing.T) {
	store := newStubStore()
	sess := seedQuestionFixtures(store)
	qsvc := newTestQuestionService(store)
	rsvc := newTestRatingService(store)

	serveQuestion(t, store, qsvc, sess.Token)
	_, err := rsvc.Submit(SubmitInput{Token: sess.Token, QuestionID: "Q3", Value: "A", Confidence: 3})
	assertCode(t, err, ErrorQuestionMismatch)
}

func TestSubmitRejectsWithoutServedQuestion(t *testing.T) {
	store := newStubStore()
	sess := seedQuestionFixtures(store)
	rsvc := newTestRatingService(store)

	_, err := rsvc.Submit(SubmitInput{Token: sess.Token, QuestionID: "Q1", Value: "Yes", Confidence: 3})
	assertCode(t, err, ErrorQuestionMismatch)
}

func TestSubmitRejectsForeignQuestion(t *testing.T) {
	store := newStubStore()
	sess := seedQuestionFixtures(store)
	store.addExperiment(&models.Experiment{ID: "EXP2", Name: "Other"})
	store.addQuestion(&models.Question{ID: "QX", ExperimentID: "EXP2", ExternalID: "ext-x", Position: 0, Prompt: "Other?", Type: "text"})
	store.session(sess.ID).LastServedQuestionID = "QX"
	rsvc := newTestRatingService(store)

	_, err := rsvc.Submit(SubmitInput{Token: sess.Token, QuestionID: "QX", Value: "hi", Confidence: 3})
	serr, ok := AsServiceError(err)
	if !ok || serr.Code != ErrorQuestionMismatch {
		t.Fatalf("err = %v, want question_mismatch", err)
	}
	if serr.Message != "Question does not belong to this experiment" {
		t.Fatalf("message = %q", serr.Message)
	}
}

func TestSubmitValidatesAnswerAndConfidence(t *testing.T) {
	store := newStubStore()
	sess := seedQuestionFixtures(store)
	qsvc := newTestQuestionService(store)
	rsvc := newTestRatingService(store)
	q := serveQuestion(t, store, qsvc, sess.Token)

	cases := []struct {
		name string
		in   SubmitInput
		msg  string
	}{
		{"empty answer", SubmitInput{Token: sess.Token, QuestionID: q.ID, Value: "  ", Confidence: 3}, "Answer is required"},
		{"off-option answer", SubmitInput{Token: sess.Token, QuestionID: q.ID, Value: "Maybe", Confidence: 3}, "Answer must be one of the question options"},
		{"confidence too low", SubmitInput{Token: sess.Token, QuestionID: q.ID, Value: "Yes", Confidence: 0}, "Confidence must be between 1 and 5"},
		{"confidence too high", SubmitInput{Token: sess.Token, QuestionID: q.ID, Value: "Yes", Confidence: 6}, "Confidence must be between 1 and 5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rsvc.Submit(tc.in)
			serr, ok := AsServiceError(err)
			if !ok || serr.Code != ErrorInvalidValue {
				t.Fatalf("err = %v, want invalid_value", err)
			}
			if serr.Message != tc.msg {
				t.Fatalf("message = %q, want %q", serr.Message, tc.msg)
			}
		})
	}
}

func TestSubmitAcceptsFreeTextAnswer(t *testing.T) {
	store := newStubStore()
	sess := seedQuestionFixtures(store)
	store.session(sess.ID).QuestionsCompleted = 1
	qsvc := newTestQuestionService(store)
	rsvc := newTestRatingService(store)

	q := serveQuestion(t, store, qsvc, sess.Token)
	if q.Type != "text" {
		t.Fatalf("expected text question, got %q", q.Type)
	}
	receipt, err := rsvc.Submit(SubmitInput{Token: sess.Token, QuestionID: q.ID, Value: "anything goes", Confidence: 5})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Duplicate {
		t.Fatalf("flagged duplicate")
	}
}

func TestSubmitRejectsExpiredSession(t *testing.T) {
	store := newStubStore()
	sess := seedQuestionFixtures(store)
	store.session(sess.ID).LastServedQuestionID = "Q1"
	rsvc := newTestRatingService(store)
	rsvc.now = func() time.Time { return time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC) }

	_, err := rsvc.Submit(SubmitInput{Token: sess.Token, QuestionID: "Q1", Value: "Yes", Confidence: 3})
	assertCode(t, err, ErrorSessionExpired)
	if got := store.session(sess.ID).Status; got != models.SessionExpired {
		t.Fatalf("status = %q, want expired", got)
	}
}

func TestSubmitDefaultsTimeStarted(t *testing.T) {
	store := newStubStore()
	sess := seedQuestionFixtures(store)
	qsvc := newTestQuestionService(store)
	rsvc := newTestRatingService(store)

	q := serveQuestion(t, store, qsvc, sess.Token)
	if _, err := rsvc.Submit(SubmitInput{Token: sess.Token, QuestionID: q.ID, Value: "No", Confidence: 2}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stored := store.ratings[ratingKey(sess.ID, q.ID)]
	if !stored.TimeStarted.Equal(rsvc.now()) {
		t.Fatalf("time started = %v, want fallback to submit time", stored.TimeStarted)
	}
}
