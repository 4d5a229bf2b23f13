package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/termsup/internal/history"
)

func TestSinkSend(t *testing.T) {
	var (
		gotMethod, gotPath, gotType string
		gotBody                     []byte
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	sink := New(ts.URL+"/", "termsup-history")
	e := history.NewEvent(history.EventStop, 55, "sleep 20", "Stopped")
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/termsup-history/_doc/"+e.ID, gotPath)
	assert.Equal(t, "application/json", gotType)

	var m map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &m))
	assert.Equal(t, "stop", m["type"])
	assert.Equal(t, float64(55), m["pid"])
	assert.Nil(t, m["exit_code"])
}

func TestSinkSendErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	err := New(ts.URL, "idx").Send(context.Background(), history.NewEvent(history.EventSpawn, 1, "x", "Running"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestSinkSendUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	err := New(url, "idx").Send(context.Background(), history.NewEvent(history.EventSpawn, 1, "x", "Running"))
	assert.Error(t, err)
}
