package pieces

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

func runHTTP(t *testing.T, props map[string]any, auth any) (map[string]any, error) {
	t.Helper()
	out, err := NewHTTPRequestAction(HTTPConfig{}).Run(context.Background(), &RunContext{Props: props, Auth: auth})
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func TestHTTPRequest_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Trace", "abc")
		w.Write([]byte(`{"items":[{"id":1},{"id":2}],"total":2}`))
	}))
	defer srv.Close()

	out, err := runHTTP(t, map[string]any{
		"url":     srv.URL,
		"query":   map[string]any{"page": 7},
		"extract": "items.#.id",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 200, out["status"])
	assert.Equal(t, "abc", out["headers"].(map[string]any)["X-Trace"])
	assert.Equal(t, 2.0, out["body"].(map[string]any)["total"])
	assert.Equal(t, []any{1.0, 2.0}, out["extracted"])
}

func TestHTTPRequest_PostBodiesAndAuth(t *testing.T) {
	var got map[string]any
	var authz, ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz = r.Header.Get("Authorization")
		ctype = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Write([]byte("created"))
	}))
	defer srv.Close()

	out, err := runHTTP(t, map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"name": "ada"},
	}, map[string]any{"token": "tok-1"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", authz)
	assert.Equal(t, "application/json", ctype)
	assert.Equal(t, "ada", got["name"])
	assert.Equal(t, "created", out["body"])

	_, err = runHTTP(t, map[string]any{"url": srv.URL}, map[string]any{"username": "u", "password": "p"})
	require.NoError(t, err)
	assert.Contains(t, authz, "Basic ")
}

func TestHTTPRequest_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream"}`))
	}))
	defer srv.Close()

	_, err := runHTTP(t, map[string]any{"url": srv.URL}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
	assert.Contains(t, err.Error(), "502")

	out, err := runHTTP(t, map[string]any{"url": srv.URL, "fail_on_error_status": false}, nil)
	require.NoError(t, err)
	assert.Equal(t, 502, out["status"])
}

func TestHTTPRequest_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := runHTTP(t, map[string]any{"url": srv.URL, "timeout": "50ms"}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
}

func TestHTTPRequest_InvalidURL(t *testing.T) {
	_, err := runHTTP(t, map[string]any{"url": "ftp://example.com"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
