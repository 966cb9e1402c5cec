package downstream

import (
	"context"
	"errors"
	"net/url"
)

type GroupService struct {
	client *Client
}

// Group is a remote collection of URLs that share check settings.
type Group struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Monitoring bool    `json:"monitoring"`
	Enabled    bool    `json:"enabled"`
	Threshold  float64 `json:"threshold"`
}

// GroupParams are the fields sent when creating a group.
type GroupParams struct {
	Name       string  `json:"name"`
	Monitoring bool    `json:"monitoring"`
	Enabled    bool    `json:"enabled"`
	Threshold  float64 `json:"threshold"`
}

// Get retrieves the group with the given id.
func (g *GroupService) Get(ctx context.Context, token, id string) (*Group, error) {
	if id == "" {
		return nil, errors.New("downstream: group id is required")
	}
	c := g.client.as(token)
	req, err := c.NewRequest(ctx, "GET", "/v2/groups/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var env envelope[Group]
	if err := c.Do(req, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// Create makes a new group.
func (g *GroupService) Create(ctx context.Context, token string, params *GroupParams) (*Group, error) {
	c := g.client.as(token)
	req, err := c.NewJSONRequest(ctx, "POST", "/v2/groups", params)
	if err != nil {
		return nil, err
	}
	var env envelope[Group]
	if err := c.Do(req, &env); err != nil {
		return nil, err
	}
	if env.Data.ID == "" {
		return nil, errors.New("downstream: group created without an id")
	}
	return &env.Data, nil
}
