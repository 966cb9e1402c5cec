package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndClearCredential(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ctx := context.Background()

	w := ts.do("PUT", "/v1/users/me/credential", url.Values{"api_token": {"  user-token "}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body okBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	token, found, err := ts.stores.Credentials.Active(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "user-token", token)

	// Jobs enqueued now use the active credential.
	w = ts.do("POST", "/v1/sync-jobs", enqueueForm("example.com"))
	require.Equal(t, http.StatusAccepted, w.Code)
	var res EnqueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	job, err := ts.stores.Jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "user-token", job.Payload.Credential.APIToken)

	w = ts.do("DELETE", "/v1/users/me/credential", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, found, err = ts.stores.Credentials.Active(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, found)

	// The queued job keeps the credential it was enqueued with.
	job, err = ts.stores.Jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "user-token", job.Payload.Credential.APIToken)
}

func TestSetCredentialRequiresToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	w := ts.do("PUT", "/v1/users/me/credential", url.Values{"api_token": {"   "}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	f := decodeFailure(t, w.Body.Bytes())
	assert.Equal(t, "Missing required field: api_token", f.Message)
}
