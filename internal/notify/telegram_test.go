package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendMarkdown(t *testing.T) {
	var requests []sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTEST-TOKEN/sendMessage", r.URL.Path)
		var req sendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	n := NewTelegram("TEST-TOKEN", "-100123", zap.NewNop()).WithBaseURL(srv.URL)

	require.NoError(t, n.Send(context.Background(), "group/app: [abc1234](https://example.com)"))
	require.Len(t, requests, 1)
	assert.Equal(t, "-100123", requests[0].ChatID)
	assert.Equal(t, "Markdown", requests[0].ParseMode)
}

func TestSendFallsBackToPlainText(t *testing.T) {
	var parseModes []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		parseModes = append(parseModes, req.ParseMode)
		if req.ParseMode == "Markdown" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ok": false, "description": "Bad Request: can't parse entities"}`)
			return
		}
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	n := NewTelegram("TEST-TOKEN", "-100123", zap.NewNop()).WithBaseURL(srv.URL)

	require.NoError(t, n.Send(context.Background(), "title with broken [markdown"))
	assert.Equal(t, []string{"Markdown", ""}, parseModes)
}

func TestSendReportsTerminalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"ok": false, "description": "Forbidden: bot was blocked by the user"}`)
	}))
	defer srv.Close()

	n := NewTelegram("TEST-TOKEN", "-100123", zap.NewNop()).WithBaseURL(srv.URL)

	err := n.Send(context.Background(), "message")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked by the user")
}
