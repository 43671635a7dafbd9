package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(config.IdentityConfig{
		ClientConfig: config.ClientConfig{BaseURL: srv.URL, APIKey: "svc", Timeout: time.Second},
		CacheSize:    8,
	})
	require.NoError(t, err)
	return client
}

func TestAuthenticate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"accountId":"acct-1","handle":"alice"}`))
	})

	account, err := client.Authenticate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, Account{AccountID: "acct-1", Handle: "alice"}, account)

	_, err = client.Authenticate(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = client.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolveAccountCachesHits(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Query().Get("handle") {
		case "alice":
			_, _ = w.Write([]byte(`{"accountId":"acct-1","handle":"alice"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	for i := 0; i < 3; i++ {
		id, err := client.ResolveAccount(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", id)
	}
	assert.Equal(t, int32(1), calls.Load())

	id, err := client.ResolveAccount(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, id)
	_, _ = client.ResolveAccount(context.Background(), "ghost")
	assert.Equal(t, int32(3), calls.Load(), "misses must not be cached")
}

func TestResolveAccountUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := client.ResolveAccount(context.Background(), "alice")
	assert.True(t, errors.Is(err, ErrUnavailable))
}
