package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OutcomeSentinel/internal/model"
)

func day(s string) time.Time {
	d, _ := model.ParseDate(s)
	return d
}

func testClient(name string, retries int) *HTTPClient {
	return NewHTTPClient(name, HTTPClientOptions{Timeout: 3 * time.Second, RequestsPerSec: 100, MaxRetries: retries}, nil)
}

const yahooBody = `{"chart":{"result":[{"meta":{"gmtoffset":-18000},
"timestamp":[1704205800,1704292200,1704378600],
"indicators":{"quote":[{"open":[100.5,101,null],"high":[102,103,null],"low":[99,100,null],
"close":[101.25,102.5,null],"volume":[1000,2000,null]}]}}],"error":null}}`

func TestYahooProvider_FetchRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v8/finance/chart/AAPL", r.URL.Path)
		assert.Equal(t, "1d", r.URL.Query().Get("interval"))
		_, _ = w.Write([]byte(yahooBody))
	}))
	defer srv.Close()

	p := NewYahooProvider(testClient("yahoo", 0), srv.URL)
	bars, err := p.FetchRange(context.Background(), "AAPL", day("2024-01-02"), day("2024-01-04"))
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, day("2024-01-02"), bars[0].Date)
	assert.True(t, bars[0].Close.Equal(decimal.RequireFromString("101.25")))
	assert.Equal(t, int64(1000), bars[0].Volume)
	assert.Equal(t, "AAPL", bars[0].Symbol)
	assert.Equal(t, "yahoo", bars[0].Source)
	assert.Equal(t, day("2024-01-03"), bars[1].Date)
}

func TestYahooProvider_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`))
	}))
	defer srv.Close()

	p := NewYahooProvider(testClient("yahoo", 3), srv.URL)
	_, err := p.FetchRange(context.Background(), "ZZZZ", day("2024-01-02"), day("2024-01-04"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.IsPermanent())
}

func TestYahooProvider_SymbolMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v8/finance/chart/BTC-USD", r.URL.Path)
		_, _ = w.Write([]byte(`{"chart":{"result":[],"error":null}}`))
	}))
	defer srv.Close()

	p := NewYahooProvider(testClient("yahoo", 0), srv.URL)
	bars, err := p.FetchRange(context.Background(), "BTC", day("2024-01-02"), day("2024-01-04"))
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestTwelveDataProvider_FetchRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/time_series", r.URL.Path)
		assert.Equal(t, "key", r.URL.Query().Get("apikey"))
		assert.Equal(t, "1day", r.URL.Query().Get("interval"))
		_, _ = w.Write([]byte(`{"status":"ok","values":[
			{"datetime":"2024-01-03","open":"10","high":"11","low":"9","close":"10.5","volume":"300"},
			{"datetime":"2024-01-02","open":"9","high":"10","low":"8","close":"9.5","volume":"200"}]}`))
	}))
	defer srv.Close()

	p := NewTwelveDataProvider(testClient("twelvedata", 0), srv.URL, "key")
	bars, err := p.FetchRange(context.Background(), "MSFT", day("2024-01-02"), day("2024-01-03"))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, day("2024-01-02"), bars[0].Date)
	assert.True(t, bars[0].Close.Equal(decimal.RequireFromString("9.5")))
	assert.Equal(t, int64(300), bars[1].Volume)
}

func TestTwelveDataProvider_Errors(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		kind    ErrorKind
		wantNil bool
	}{
		{name: "unknown symbol", body: `{"code":400,"message":"**symbol** not found: ZZZZ","status":"error"}`, kind: KindNotFound},
		{name: "rate limit", body: `{"code":429,"message":"You have run out of API credits","status":"error"}`, kind: KindRateLimited},
		{name: "bad key", body: `{"code":401,"message":"invalid api key","status":"error"}`, kind: KindMalformed},
		{name: "empty window", body: `{"code":400,"message":"No data is available on the specified dates","status":"error"}`, wantNil: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := NewTwelveDataProvider(testClient("twelvedata", 0), srv.URL, "key")
			bars, err := p.FetchRange(context.Background(), "ZZZZ", day("2024-01-02"), day("2024-01-03"))
			if tc.wantNil {
				assert.NoError(t, err)
				assert.Empty(t, bars)
				return
			}
			var perr *ProviderError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tc.kind, perr.Kind)
		})
	}
}

func TestVsTraderProvider_FetchRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "2024-01-02", r.URL.Query().Get("start"))
		_, _ = w.Write([]byte(`[{"timestamp":1704240000,"open":5,"high":6,"low":4,"close":5.5,"volume":10},
			{"timestamp":1704153600,"open":4,"high":5,"low":3,"close":4.5,"volume":20}]`))
	}))
	defer srv.Close()

	p := NewVsTraderProvider(testClient("vstrader", 0), srv.URL, "token")
	bars, err := p.FetchRange(context.Background(), "SPX500", day("2024-01-02"), day("2024-01-03"))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, day("2024-01-02"), bars[0].Date)
	assert.True(t, bars[1].Close.Equal(decimal.RequireFromString("5.5")))
}

func TestHTTPClient_RetriesTransient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := testClient("p", 2).Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHTTPClient_DoesNotRetryPermanent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient("p", 3).Get(context.Background(), srv.URL, nil)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindMalformed, perr.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewHTTPClient("slow", HTTPClientOptions{Timeout: 100 * time.Millisecond, RequestsPerSec: 10}, nil)
	_, err := c.Get(context.Background(), srv.URL, nil)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindTransient, perr.Kind)
	assert.False(t, perr.IsPermanent())
}

func TestMockProvider(t *testing.T) {
	m := NewMockProvider("mock")
	m.AddBars(GenerateBars("AAPL", day("2024-01-01"), day("2024-01-10"), decimal.NewFromInt(100), decimal.NewFromInt(1))...)

	bars, err := m.FetchRange(context.Background(), "AAPL", day("2024-01-03"), day("2024-01-05"))
	require.NoError(t, err)
	assert.Len(t, bars, 3)
	assert.Equal(t, 1, m.Calls())

	m.SetError("AAPL", NotFoundError("mock", "AAPL"))
	_, err = m.FetchRange(context.Background(), "AAPL", day("2024-01-03"), day("2024-01-05"))
	assert.True(t, IsNotFound(err))
}

func TestNewProviders(t *testing.T) {
	_, err := NewProviders(nil, "", nil)
	assert.Error(t, err)
}
