// Package directory resolves subject ids to display metadata.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chorus/presence-service/models"
)

var ErrNotFound = errors.New("directory: subject not found")

type Directory interface {
	Lookup(ctx context.Context, subjectID string) (models.Profile, error)
}

// HTTPDirectory queries the user directory at GET {baseURL}/users/{id}.
type HTTPDirectory struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPDirectory(baseURL, token string, timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type userResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

func (d *HTTPDirectory) Lookup(ctx context.Context, subjectID string) (models.Profile, error) {
	endpoint := d.baseURL + "/users/" + url.PathEscape(subjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Profile{}, fmt.Errorf("failed to build directory request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return models.Profile{}, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Profile{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return models.Profile{}, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var user userResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return models.Profile{}, fmt.Errorf("failed to decode directory response: %w", err)
	}

	return models.Profile{
		SubjectID:   subjectID,
		DisplayName: user.DisplayName,
		AvatarRef:   user.AvatarURL,
	}, nil
}

// Static serves profiles from memory. Used when DIRECTORY_URL is unset and
// in tests.
type Static map[string]models.Profile

func (s Static) Lookup(_ context.Context, subjectID string) (models.Profile, error) {
	p, ok := s[subjectID]
	if !ok {
		return models.Profile{}, ErrNotFound
	}
	p.SubjectID = subjectID
	return p, nil
}
