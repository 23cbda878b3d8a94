package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/opf/opcli/internal/output"
	"github.com/opf/opcli/internal/session"
)

// Collection is the API's paged collection envelope.
type Collection[T any] struct {
	Total    int `json:"total"`
	Count    int `json:"count"`
	Embedded struct {
		Elements []T `json:"elements"`
	} `json:"_embedded"`
}

// Project is a minimal projection of a remote project.
type Project struct {
	ID         int64  `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Active     bool   `json:"active"`
}

// WorkPackage is a minimal projection of a remote work package.
type WorkPackage struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
}

// Notification is a minimal projection of a remote notification.
type Notification struct {
	ID       int64  `json:"id"`
	Reason   string `json:"reason"`
	ReadIAN  bool   `json:"readIAN"`
	Resource struct {
		Title string `json:"title"`
	} `json:"_embedded"`
}

// Me fetches the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*session.UserProfile, error) {
	resp, err := c.Get(ctx, "/users/me")
	if err != nil {
		return nil, err
	}
	var profile session.UserProfile
	if err := resp.UnmarshalData(&profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// collectAll fetches every page of a collection and decodes its elements.
func collectAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	raw, err := c.GetAll(ctx, path)
	if err != nil {
		return nil, err
	}
	elements := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, output.ErrDecode(err)
		}
		elements = append(elements, v)
	}
	return elements, nil
}

// Projects fetches the projects visible to the current user.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	return collectAll[Project](ctx, c, "/projects")
}

// WorkPackages fetches work packages, optionally scoped to a project.
func (c *Client) WorkPackages(ctx context.Context, projectID string) ([]WorkPackage, error) {
	path := "/work_packages"
	if projectID != "" {
		path = fmt.Sprintf("/projects/%s/work_packages", url.PathEscape(projectID))
	}
	return collectAll[WorkPackage](ctx, c, path)
}

// Notifications fetches the current user's notifications.
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	return collectAll[Notification](ctx, c, "/notifications")
}
