// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackAlert(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			blob, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			mu.Lock()
			bodies = append(bodies, string(blob))
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
	t.Cleanup(srv.Close)

	s := NewSlack(srv.URL, nil)
	s.client = srv.Client()
	s.Alert(context.Background(), "something broke", "the details")

	require.Len(t, bodies, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(bodies[0]), &payload))
	assert.Equal(t, "*something broke*\nthe details", payload["text"])
}

func TestSlackAlertFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no", http.StatusForbidden)
		}))
	t.Cleanup(srv.Close)

	s := NewSlack(srv.URL, nil)
	s.client = srv.Client()
	// Must not panic or block; the failure only goes to the log.
	s.Alert(context.Background(), "something broke", "")
}

type countingAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (c *countingAlerter) Alert(_ context.Context, title, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
}

func TestOnce(t *testing.T) {
	t.Parallel()

	inner := &countingAlerter{}
	once := NewOnce(inner)

	ctx := context.Background()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			once.Alert(ctx, "uids exhausted", "range 100000-199999")
		}()
	}
	wg.Wait()
	once.Alert(ctx, "uids exhausted", "range 100000-199999")
	once.Alert(ctx, "gids exhausted", "range 2000000-2999999")

	assert.Len(t, inner.titles, 2)
	assert.Contains(t, inner.titles, "uids exhausted")
	assert.Contains(t, inner.titles, "gids exhausted")
}
