package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

func TestTaskByID_OK(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "test-key", user)
		assert.Equal(t, "/projects/api/v3/tasks/42.json", r.URL.Path)
		_, _ = w.Write([]byte(`{"task":{"id":42,"name":"Fix the build","status":"active","projectId":7,"projectName":"Infra"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	task, err := c.TaskByID(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), task.ID)
	assert.Equal(t, "Fix the build", task.Name)
	assert.Equal(t, "Infra", task.ProjectName)
	assert.NotEmpty(t, task.Raw)
}

func TestTaskByID_NotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	_, err := c.TaskByID(context.Background(), "999")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTasksUpdatedSince_Paging(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "100", q.Get("pageSize"))
		assert.Equal(t, "20240115103000", q.Get("updatedAfterDate"))
		assert.Equal(t, "true", q.Get("includeCompletedTasks"))

		count := pageSize
		if q.Get("page") == "2" {
			count = 3
		}
		tasks := make([]json.RawMessage, count)
		for i := range tasks {
			tasks[i] = json.RawMessage(fmt.Sprintf(`{"id":%d,"name":"t"}`, i))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	since := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	tasks, err := c.TasksUpdatedSince(context.Background(), since)
	require.NoError(t, err)
	assert.Len(t, tasks, pageSize+3)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"task":{"id":1,"name":"ok"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	task, err := c.TaskByID(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.ID)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestClient_BadRequestIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	_, err := c.TasksUpdatedSince(context.Background(), time.Now())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateWebhook(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://sync.example.com/webhook/tracker", body["webhook"]["url"])
		assert.Equal(t, "TASK.UPDATED", body["webhook"]["event"])
		_, _ = w.Write([]byte(`{"webhook":{"id":314,"url":"","event":"TASK.UPDATED","active":true}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	id, err := c.CreateWebhook(context.Background(), "https://sync.example.com/webhook/tracker", "TASK.UPDATED")
	require.NoError(t, err)
	assert.Equal(t, "314", id)
}

func TestDeleteWebhook_MissingIsNoError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	assert.NoError(t, c.DeleteWebhook(context.Background(), "314"))
}
