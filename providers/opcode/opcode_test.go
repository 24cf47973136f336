package opcode

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ledgersync/providers"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, srv *httptest.Server) providers.Client {
	t.Helper()
	c, err := providers.New(APIType, providers.Credentials{
		BaseURL:   srv.URL,
		OpCode:    "OP1",
		SecretKey: "s3cret",
	}, providers.Options{Timeout: 2 * time.Second, MaxRetries: 0})
	require.NoError(t, err)
	return c
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestNew_MissingCredentials(t *testing.T) {
	_, err := New(providers.Credentials{BaseURL: "http://x"}, providers.Options{})
	require.ErrorIs(t, err, providers.ErrConfig)
	assert.Contains(t, err.Error(), "op_code")
	assert.Contains(t, err.Error(), "secret_key")
}

func TestFetchBetHistory_SignsAndNormalises(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/game/history", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "OP1", q.Get("opcode"))
		assert.Equal(t, "3", q.Get("index"))
		assert.Equal(t, "4000", q.Get("limit"))
		assert.Equal(t, md5hex("OP1"+"3"+"4000"+"s3cret"), q.Get("signature"))

		fmt.Fprint(w, `{"RESULT":true,"DATA":{"lastIndex":12,"records":[
			{"idx":"12","userId":"alice","gameId":101,"providerId":"pp","betAmount":"1,000","winAmount":0,"balance":"5000.50","regDate":"2024-03-01 10:00:00"},
			{"idx":9,"userId":"bob","gameId":"102","providerId":"pp","betAmount":200,"winAmount":400,"balance":900,"regDate":"2024-03-01 09:59:00"},
			{"idx":"3","userId":"bob","gameId":"102","providerId":"pp","betAmount":1,"winAmount":0,"balance":1,"regDate":"2024-03-01 09:00:00"},
			{"idx":"abc","userId":"carol","betAmount":"x"}
		]}}`)
	}))
	defer srv.Close()

	recs, err := newClient(t, srv).FetchBetHistory(context.Background(), 3, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, int64(0), recs[0].ExternalID)
	assert.Equal(t, "abc", recs[0].RawExternalID)
	assert.True(t, recs[0].BetAmount.IsZero())
	assert.False(t, recs[0].HasBalance)

	assert.Equal(t, int64(9), recs[1].ExternalID)
	assert.Equal(t, int64(12), recs[2].ExternalID)
	assert.Equal(t, "alice", recs[2].Username)
	assert.Equal(t, "101", recs[2].GameID)
	assert.True(t, decimal.NewFromInt(1000).Equal(recs[2].BetAmount))
	assert.True(t, decimal.RequireFromString("5000.50").Equal(recs[2].BalanceAfter))
	assert.True(t, recs[2].HasBalance)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), recs[2].PlayedAt)
	assert.NotEmpty(t, recs[2].Raw)
}

func TestFetchBetHistory_ResultFalseIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"RESULT":false,"CODE":21,"MESSAGE":"invalid signature"}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).FetchBetHistory(context.Background(), 0, 10)
	require.Error(t, err)
	assert.True(t, providers.IsRejected(err))
	assert.Contains(t, err.Error(), "invalid signature")
}

func TestFetchBetHistory_NoRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(providers.Credentials{BaseURL: srv.URL, OpCode: "OP1", SecretKey: "k"}, providers.Options{
		Timeout: time.Second, MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
	})
	require.NoError(t, err)

	_, err = c.FetchBetHistory(context.Background(), 0, 10)
	require.Error(t, err)
	assert.True(t, providers.IsRejected(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestParseBalance_Shapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"nested wrapper", `{"RESULT":true,"DATA":{"balance":"12,345.67"}}`, "12345.67"},
		{"flat json", `{"balance":250}`, "250"},
		{"plain text", "OK balance=99.5", "99.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBalance([]byte(tt.body), "player_balance")
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestParseBalance_Failures(t *testing.T) {
	_, err := parseBalance([]byte(`{"RESULT":false,"MESSAGE":"no such user"}`), "player_balance")
	assert.True(t, providers.IsRejected(err))

	_, err = parseBalance([]byte(`<html>maintenance</html>`), "player_balance")
	assert.ErrorIs(t, err, providers.ErrNoBalance)
}

func TestFetchBalance_OperatorAndPlayer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/info":
			assert.Equal(t, md5hex("OP1s3cret"), r.URL.Query().Get("signature"))
			fmt.Fprint(w, `{"RESULT":true,"DATA":{"balance":1000000}}`)
		case "/api/account/balance":
			assert.Equal(t, "alice", r.URL.Query().Get("username"))
			assert.Equal(t, md5hex("OP1alices3cret"), r.URL.Query().Get("signature"))
			fmt.Fprint(w, `balance=42`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newClient(t, srv)

	op, err := c.FetchBalance(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1000000).Equal(op))

	player, err := c.FetchBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(42).Equal(player))
}

func TestRefreshToken_NeverExpires(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tok, err := newClient(t, srv).RefreshToken(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value)
	assert.True(t, tok.ExpiresAt.IsZero())
}
