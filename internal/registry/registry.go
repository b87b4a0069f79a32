// Package registry is the boundary to the event/organization service. The
// fulfillment core only needs to resolve an event to its organization and
// confirm an event exists; event CRUD lives elsewhere.
package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"ms-fulfillment/internal/errs"
)

type EventRegistry interface {
	EventExists(ctx context.Context, eventID string) (bool, error)
	OrganizationForEvent(ctx context.Context, eventID string) (string, error)
}

type HTTPRegistry struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPRegistry(baseURL string, client *http.Client) *HTTPRegistry {
	return &HTTPRegistry{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: client}
}

type eventInfo struct {
	EventID        string `json:"event_id"`
	OrganizationID string `json:"organization_id"`
}

func (r *HTTPRegistry) fetch(ctx context.Context, eventID string) (*eventInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.BaseURL+"/events/"+url.PathEscape(eventID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var info eventInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, err
		}
		return &info, nil
	case http.StatusNotFound:
		return nil, errs.NotFound("event_not_found", "event not found")
	default:
		return nil, errs.Internalf("event registry returned %s for event %s", resp.Status, eventID)
	}
}

func (r *HTTPRegistry) EventExists(ctx context.Context, eventID string) (bool, error) {
	_, err := r.fetch(ctx, eventID)
	if errs.IsKind(err, errs.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *HTTPRegistry) OrganizationForEvent(ctx context.Context, eventID string) (string, error) {
	info, err := r.fetch(ctx, eventID)
	if err != nil {
		return "", err
	}
	return info.OrganizationID, nil
}
