package joblinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignWorkerRequest(t *testing.T) {
	var gotPath, gotActor string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotActor = r.Header.Get("X-Actor-Id")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"a1","worker_id":"w1","hourly_rate":"40"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "shop-1")
	c.ActorID = "est"
	a, err := c.AssignWorker(context.Background(), "job 1", "item-1", "w1")
	require.NoError(t, err)
	assert.Equal(t, "/v0/jobs/job 1/items/item-1/workers", gotPath)
	assert.Equal(t, "est", gotActor)
	assert.Equal(t, "w1", gotBody["worker_id"])
	assert.Equal(t, "40", a.HourlyRate.String())
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"capacity_exceeded","message":"item allows 1 workers"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "shop-1")
	c.APIKey = "jl_test"
	_, err := c.AssignWorker(context.Background(), "j", "i", "w2")
	require.Error(t, err)
	assert.True(t, IsCode(err, "capacity_exceeded"))
	assert.False(t, IsCode(err, "job_locked"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "item allows 1 workers")
}
