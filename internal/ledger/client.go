// Package ledger talks to the recruitment platform's submissions feed, the
// authoritative record of which participations were actually completed.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type submissionPayload struct {
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status"`
}

// Lookup reports whether the platform holds a submission for the identity
// triple. A 404 is a confirmed absence; any other failure is returned as an
// error so callers never mistake an outage for a missing participant.
func (c *Client) Lookup(ctx context.Context, participantID, studyID, submissionID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/studies/%s/submissions/%s",
		c.baseURL, url.PathEscape(studyID), url.PathEscape(submissionID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("participation ledger: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("participation ledger: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload submissionPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return false, fmt.Errorf("participation ledger: decode response: %w", err)
		}
		// A submission recorded under someone else's participant id does not
		// confirm this session.
		return payload.ParticipantID == participantID, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("participation ledger: unexpected status %d", resp.StatusCode)
	}
}
