package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxiv/compiler/pkg/types"
)

func completedTask() types.Task {
	task := types.NewTask("54", "chk1", types.FormatPDF, "84843")
	task.Status = types.StatusCompleted
	task.Description = "Success!"
	return task
}

func TestCompile(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/":
			gotAuth = r.Header.Get("Authorization")
			var req compileRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "54", req.SourceID)
			assert.Equal(t, "pdf", req.OutputFormat)
			w.Header().Set("Location", "/54/chk1/pdf")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && r.URL.Path == "/54/chk1/pdf":
			json.NewEncoder(w).Encode(completedTask())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok123")
	task, err := c.Compile(context.Background(), "54", "chk1", types.FormatPDF, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Equal(t, types.StatusCompleted, task.Status)
}

func TestCompileError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"reason": "Failed to create compilation task"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Compile(context.Background(), "54", "chk1", types.FormatPDF, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to create compilation task")
}

func TestStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"reason": "No such compilation task"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Status(context.Background(), "54", "chk1", types.FormatPDF)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProduct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/54/chk1/pdf/product", r.URL.Path)
		w.Header().Set("ETag", "etag-1")
		io.WriteString(w, "%PDF-1.5")
	}))
	defer srv.Close()

	product, err := New(srv.URL, "").Product(context.Background(), "54", "chk1", types.FormatPDF)
	require.NoError(t, err)
	defer product.Stream.Close()

	body, err := io.ReadAll(product.Stream)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.5", string(body))
	assert.Equal(t, "etag-1", product.ETag)
}

func TestAwait(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			json.NewEncoder(w).Encode(types.NewTask("54", "chk1", types.FormatPDF, ""))
			return
		}
		json.NewEncoder(w).Encode(completedTask())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := New(srv.URL, "").Await(ctx, "54", "chk1", types.FormatPDF, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, task.Status)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}
