package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPost(t *testing.T) {
	t.Parallel()
	var user, pass string
	var ok bool
	var requestUrl *url.URL
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		requestUrl = r.URL
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("{}"))
	}))
	defer s.Close()
	client := NewClient("foo", "bar", s.URL)
	req, err := client.NewRequest(context.Background(), "POST", "/", nil)
	require.NoError(t, err)
	require.NoError(t, client.Do(req, &struct{}{}))
	assert.True(t, ok)
	assert.Equal(t, "foo", user)
	assert.Equal(t, "bar", pass)
	assert.Equal(t, "/", requestUrl.Path)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	var auth string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write([]byte(`{"id": "grp_1"}`))
	}))
	defer s.Close()
	base := NewClient("user", "pass", s.URL)
	client := base.WithToken("secret")
	req, err := client.NewRequest(context.Background(), "GET", "/v2/groups/grp_1", nil)
	require.NoError(t, err)
	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, client.Do(req, &out))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "grp_1", out.ID)
	// the original client is unchanged
	assert.Equal(t, "user", base.ID)
}

func TestPostError(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(&Error{
			Title: "bad request",
			ID:    "something_bad",
		})
	}))
	defer s.Close()
	client := NewClient("foo", "bar", s.URL)
	req, err := client.NewRequest(context.Background(), "POST", "/", nil)
	require.NoError(t, err)
	err = client.Do(req, &struct{}{})
	require.Error(t, err)
	assert.Equal(t, "bad request", err.Error())
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "something_bad", rerr.ID)
	assert.Equal(t, http.StatusBadRequest, rerr.StatusCode)
	assert.False(t, rerr.Temporary())
}

func TestEnvelopeErrors(t *testing.T) {
	t.Parallel()
	bodies := []string{
		`{"success": false, "message": "Invalid domain"}`,
		`{"success": false, "data": {"message": "Invalid domain"}}`,
	}
	for _, body := range bodies {
		body := body
		s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(body))
		}))
		client := NewClient("foo", "bar", s.URL)
		req, err := client.NewRequest(context.Background(), "GET", "/", nil)
		require.NoError(t, err)
		err = client.Do(req, nil)
		s.Close()
		require.Error(t, err)
		assert.Equal(t, "Invalid domain", err.Error())
	}
}

func TestServerErrorIsTemporary(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer s.Close()
	client := NewClient("foo", "bar", s.URL)
	req, err := client.NewRequest(context.Background(), "GET", "/", nil)
	require.NoError(t, err)
	err = client.Do(req, nil)
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.True(t, rerr.Temporary())
	assert.Contains(t, rerr.Title, "invalid response body")
}
