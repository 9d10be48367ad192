package services

import (
	"regexp"
	"strings"

	"github.com/veritylab/raterhub/internal/models"
)

// raterLinkHelp is the public instruction shown whenever the identity
// parameters the recruitment platform should have appended are missing.
const raterLinkHelp = "Please access this study from the recruitment platform link."

// Recruitment platform ids are 24 lowercase hex characters. This is a format
// gate that narrows the input space before any lookup; it does not
// authenticate anyone.
var externalIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

type ExperimentResolver interface {
	// GetExperiment returns nil for unknown or deleted experiments.
	GetExperiment(id string) (*models.Experiment, error)
}

// IdentityInput carries the raw query parameters from the study link.
type IdentityInput struct {
	ExperimentID  string
	ParticipantID string
	StudyID       string
	SubmissionID  string
}

// Identity is a normalized, format-checked identity tuple bound to a
// resolved experiment.
type Identity struct {
	ExperimentID  string
	ParticipantID string
	StudyID       string
	SubmissionID  string
}

type IdentityValidator struct {
	experiments ExperimentResolver
}

func NewIdentityValidator(experiments ExperimentResolver) *IdentityValidator {
	return &IdentityValidator{experiments: experiments}
}

// Validate normalizes and checks the four inbound identity parameters.
// Pure apart from the experiment lookup; no side effects.
func (v *IdentityValidator) Validate(in IdentityInput) (*Identity, error) {
	experimentID := strings.TrimSpace(in.ExperimentID)
	participantID := strings.TrimSpace(in.ParticipantID)
	studyID := strings.TrimSpace(in.StudyID)
	submissionID := strings.TrimSpace(in.SubmissionID)

	if experimentID == "" || participantID == "" || studyID == "" || submissionID == "" {
		return nil, NewMissingIdentityError(raterLinkHelp)
	}
	for _, id := range []string{participantID, studyID, submissionID} {
		if !externalIDPattern.MatchString(id) {
			return nil, NewMalformedIdentityError(raterLinkHelp)
		}
	}

	exp, err := v.experiments.GetExperiment(experimentID)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, NewUnknownExperimentError("Experiment not found")
	}

	return &Identity{
		ExperimentID:  exp.ID,
		ParticipantID: participantID,
		StudyID:       studyID,
		SubmissionID:  submissionID,
	}, nil
}
