// Package api is the typed client for the lab-course HTTP endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"labcourse-cli/internal/gateway"
	"labcourse-cli/internal/model"
)

type Client struct {
	gw *gateway.Gateway
}

func New(gw *gateway.Gateway) *Client {
	return &Client{gw: gw}
}

func (c *Client) Gateway() *gateway.Gateway { return c.gw }

// PushURL is the server push stream for one year.
func (c *Client) PushURL(year int) string {
	return c.gw.URL(fmt.Sprintf("/push/%d", year))
}

func setOrClear(set bool) string {
	if set {
		return http.MethodPut
	}
	return http.MethodDelete
}

func (c *Client) SetCompletion(ctx context.Context, group, task int, completed bool) error {
	_, err := c.gw.Send(ctx, gateway.Request{
		Method: setOrClear(completed),
		Path:   fmt.Sprintf("/api/group/%d/completed/%d", group, task),
	})
	return err
}

type elaborationBody struct {
	ReworkRequired bool `json:"rework_required"`
	Accepted       bool `json:"accepted"`
}

// SetElaboration stores a grade. A grade that was not handed in deletes the elaboration.
func (c *Client) SetElaboration(ctx context.Context, group, experiment int, g model.Grade) error {
	req := gateway.Request{
		Method: http.MethodDelete,
		Path:   fmt.Sprintf("/api/group/%d/elaboration/%d", group, experiment),
	}
	if g.HandedIn {
		req.Method = http.MethodPut
		req.Body = elaborationBody{ReworkRequired: g.ReworkRequired, Accepted: g.Accepted}
	}
	_, err := c.gw.Send(ctx, req)
	return err
}

func (c *Client) SaveComment(ctx context.Context, group int, comment string) error {
	_, err := c.gw.Send(ctx, gateway.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/api/group/%d/comment", group),
		Body:   comment,
	})
	return err
}

func (c *Client) SetInstructed(ctx context.Context, student int, instructed bool) error {
	_, err := c.gw.Send(ctx, gateway.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/api/student/%d/instructed", student),
		Body:   instructed,
	})
	return err
}

func (c *Client) AddStudent(ctx context.Context, group, student int) error {
	_, err := c.gw.Send(ctx, gateway.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("/api/group/%d/student/%d", group, student),
	})
	return err
}

func (c *Client) RemoveStudent(ctx context.Context, group, student int) error {
	_, err := c.gw.Send(ctx, gateway.Request{
		Method: http.MethodDelete,
		Path:   fmt.Sprintf("/api/group/%d/student/%d", group, student),
		Messages: map[int]string{
			http.StatusUnprocessableEntity: "the group already has completions or elaborations",
		},
	})
	return err
}

func (c *Client) SearchStudents(ctx context.Context, q model.SearchQuery) ([]model.Student, error) {
	var out []model.Student
	if err := c.search(ctx, "/api/student/search", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SearchGroups(ctx context.Context, q model.SearchQuery) ([]model.SearchGroup, error) {
	var out []model.SearchGroup
	if err := c.search(ctx, "/api/group/search", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) search(ctx context.Context, path string, q model.SearchQuery, out any) error {
	if q.Terms == nil {
		q.Terms = []string{}
	}
	resp, err := c.gw.Send(ctx, gateway.Request{Method: http.MethodPost, Path: path, Body: q})
	if err != nil {
		return err
	}
	if err := resp.JSON(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// LoadEvent fetches the board for the event on date (YYYY-MM-DD).
func (c *Client) LoadEvent(ctx context.Context, date string) (*model.Event, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return nil, gateway.Invalid("event date is required")
	}
	resp, err := c.gw.Send(ctx, gateway.Request{
		Method:   http.MethodGet,
		Path:     "/api/event/" + date,
		Messages: map[int]string{http.StatusNotFound: fmt.Sprintf("no event on %s", date)},
	})
	if err != nil {
		return nil, err
	}
	var ev model.Event
	if err := resp.JSON(&ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}
