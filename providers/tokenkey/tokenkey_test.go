package tokenkey

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ledgersync/providers"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlayedAt(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:00:00+09:00", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01 10:00:00.5+09:00", time.Date(2024, 3, 1, 10, 0, 0, 500_000_000, time.UTC)},
		{"2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01T10:00:00+02:00", time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)},
		{"", time.Time{}},
		{"yesterday", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePlayedAt(tt.in))
		})
	}
}

func TestClient_LoginHistoryAndBalance(t *testing.T) {
	var logins int32
	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ak", body["apiKey"])
		assert.Equal(t, "sk", body["secret"])
		atomic.AddInt32(&logins, 1)
		fmt.Fprintf(w, `{"success":true,"data":{"accessToken":"at-1","expiresAt":%q}}`, expires.Format(time.RFC3339))
	})
	mux.HandleFunc("/bets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		assert.Equal(t, "0", r.URL.Query().Get("since_id"))
		fmt.Fprint(w, `{"success":true,"data":{"bets":[
			{"betId":"31","player":"alice","gameId":"g","vendor":"v","stake":"100","payout":"250","balance":"1150","settledAt":"2024-03-01T10:00:00+09:00"},
			{"betId":"30","player":"alice","gameId":"g","vendor":"v","stake":"100","payout":"0","balance":"1000","settledAt":"2024-03-01T09:59:00+09:00"}
		]}}`)
	})
	mux.HandleFunc("/balance", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"data":"5000.75"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var saved providers.Token
	c, err := New(providers.Credentials{BaseURL: srv.URL, APIKey: "ak", SecretKey: "sk"}, providers.Options{
		Timeout: 2 * time.Second,
		OnToken: func(tok providers.Token) { saved = tok },
	})
	require.NoError(t, err)

	recs, err := c.FetchBetHistory(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(30), recs[0].ExternalID)
	assert.Equal(t, int64(31), recs[1].ExternalID)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), recs[1].PlayedAt)

	bal, err := c.FetchBalance(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("5000.75").Equal(bal))

	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))
	assert.Equal(t, "at-1", saved.Value)
	assert.True(t, expires.Equal(saved.ExpiresAt))

	_, err = c.FetchBalance(context.Background(), "alice")
	assert.ErrorIs(t, err, providers.ErrNotSupported)
}

func TestClient_StoredTokenUsedUntilMargin(t *testing.T) {
	var logins int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/token" {
			atomic.AddInt32(&logins, 1)
		}
		assert.Equal(t, "Bearer stored", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"success":true,"data":{"balance":1}}`)
	}))
	defer srv.Close()

	c, err := New(providers.Credentials{
		BaseURL: srv.URL, APIKey: "ak", SecretKey: "sk",
		Token: providers.Token{Value: "stored", ExpiresAt: time.Now().Add(time.Hour)},
	}, providers.Options{Timeout: 2 * time.Second})
	require.NoError(t, err)

	_, err = c.FetchBalance(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&logins))
}

func TestLogin_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"message":"bad secret"}`)
	}))
	defer srv.Close()

	c, err := New(providers.Credentials{BaseURL: srv.URL, APIKey: "ak", SecretKey: "sk"}, providers.Options{Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.RefreshToken(context.Background())
	require.Error(t, err)
	assert.True(t, providers.IsRejected(err))
	assert.Contains(t, err.Error(), "bad secret")
}

func TestParseBalance(t *testing.T) {
	got, err := parseBalance([]byte("balance=12"))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(12).Equal(got))

	_, err = parseBalance([]byte(`{"success":false,"message":"suspended"}`))
	assert.True(t, providers.IsRejected(err))
}
