package marketdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	testClientID = "id"
	testSecret   = "secret"
)

type rpcRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// fakeDeribit serves a minimal subset of the JSON-RPC API.
type fakeDeribit struct {
	failStart int64 // chart chunk start timestamp that returns an error
	calls     atomic.Int64
	lastEnd   atomic.Int64 // end_timestamp of the latest chart request
}

func (f *fakeDeribit) serve(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		authed := false
		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.calls.Add(1)
			// A notification the client must skip.
			conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "heartbeat"})

			result, rpcErr := f.handle(req, &authed)
			resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
			if rpcErr != nil {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeDeribit) handle(req rpcRequest, authed *bool) (any, *RPCError) {
	switch req.Method {
	case "public/auth":
		if req.Params["client_id"] != testClientID || req.Params["client_secret"] != testSecret {
			return nil, &RPCError{Code: 13004, Message: "invalid_credentials"}
		}
		*authed = true
		return Token{AccessToken: "tok", ExpiresIn: 900, TokenType: "bearer"}, nil

	case "public/get_tradingview_chart_data":
		start := int64(req.Params["start_timestamp"].(float64))
		end := int64(req.Params["end_timestamp"].(float64))
		f.lastEnd.Store(end)
		if start == f.failStart {
			return nil, &RPCError{Code: 10028, Message: "too_many_requests"}
		}
		var d chartData
		d.Status = "ok"
		for ts := start; ts <= end; ts += time.Minute.Milliseconds() {
			px := 100 + float64((ts/time.Minute.Milliseconds())%10)
			d.Ticks = append(d.Ticks, ts)
			d.Open = append(d.Open, px)
			d.High = append(d.High, px+1)
			d.Low = append(d.Low, px-1)
			d.Close = append(d.Close, px)
			d.Volume = append(d.Volume, 1)
			d.Cost = append(d.Cost, px)
		}
		return d, nil

	case "private/get_last_block_trades_by_currency":
		if !*authed {
			return nil, &RPCError{Code: 13009, Message: "unauthorized"}
		}
		return []BlockTrade{{
			ID:        "BLOCK-1",
			Timestamp: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
			Trades: []BlockTradeLeg{
				{TradeID: "1", InstrumentName: "BTC-27DEC24-60000-C", Direction: "buy", Price: 0.05, Amount: 10, IV: 55, IndexPrice: 95000},
			},
		}}, nil
	}
	return nil, &RPCError{Code: -32601, Message: "method_not_found"}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(srv *httptest.Server, opts ...Option) *Client {
	base := []Option{WithLogger(quietLogger()), WithRateLimit(1000, 10), WithTimeout(5 * time.Second)}
	return NewClient(wsURL(srv), append(base, opts...)...)
}

func TestCall_RPCError(t *testing.T) {
	srv := (&fakeDeribit{}).serve(t)
	c := newTestClient(srv)

	err := c.Call(context.Background(), "public/nope", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("code: got %d, want -32601", rpcErr.Code)
	}
}

func TestAuthenticate(t *testing.T) {
	srv := (&fakeDeribit{}).serve(t)

	tok, err := newTestClient(srv, WithCredentials(testClientID, testSecret)).Authenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if tok.AccessToken != "tok" || tok.ExpiresIn != 900 {
		t.Errorf("unexpected token %+v", tok)
	}

	_, err = newTestClient(srv, WithCredentials(testClientID, "wrong")).Authenticate(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != 13004 {
		t.Errorf("expected invalid_credentials, got %v", err)
	}

	_, err = newTestClient(srv).Authenticate(context.Background())
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

func TestChartData(t *testing.T) {
	srv := (&fakeDeribit{}).serve(t)
	c := newTestClient(srv)

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	candles, err := c.ChartData(context.Background(), "BTC-PERPETUAL", start, start.Add(9*time.Minute), "1")
	if err != nil {
		t.Fatalf("chart data: %v", err)
	}
	if len(candles) != 10 {
		t.Fatalf("expected 10 candles, got %d", len(candles))
	}
	if !candles[0].Time.Equal(start) {
		t.Errorf("first candle at %s, want %s", candles[0].Time, start)
	}
	if candles[0].High != candles[0].Close+1 {
		t.Errorf("columns misaligned: %+v", candles[0])
	}
}

func TestChartData_InvalidResolution(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", WithLogger(quietLogger()))
	_, err := c.ChartData(context.Background(), "BTC-PERPETUAL", time.Now(), time.Now(), "2h")
	if !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("expected ErrInvalidResolution, got %v", err)
	}
}

func TestChartDataRange_SkipsFailedChunk(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	step := MaxBarsPerRequest * time.Minute
	fake := &fakeDeribit{failStart: start.Add(step).UnixMilli()}
	srv := fake.serve(t)
	c := newTestClient(srv)

	end := start.Add(12000 * time.Minute)
	candles, err := c.ChartDataRange(context.Background(), "BTC-PERPETUAL", start, end, "1")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if fake.calls.Load() != 3 {
		t.Errorf("expected 3 chunk requests, got %d", fake.calls.Load())
	}
	// [0, 5000] and [10000, 12000] survive.
	if want := 5001 + 2001; len(candles) != want {
		t.Fatalf("expected %d candles, got %d", want, len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].Time.After(candles[i-1].Time) {
			t.Fatalf("candles not strictly increasing at %d", i)
		}
	}
}

func TestChartDataRange_NoDuplicateBoundaries(t *testing.T) {
	srv := (&fakeDeribit{failStart: -1}).serve(t)
	c := newTestClient(srv)

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	candles, err := c.ChartDataRange(context.Background(), "BTC-PERPETUAL", start, start.Add(12000*time.Minute), "1")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(candles) != 12001 {
		t.Errorf("expected 12001 candles, got %d", len(candles))
	}
}

func TestChartDataRange_LastChunkEndsAtRangeEnd(t *testing.T) {
	fake := &fakeDeribit{failStart: -1}
	srv := fake.serve(t)
	c := newTestClient(srv)

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7000 * time.Minute)
	candles, err := c.ChartDataRange(context.Background(), "BTC-PERPETUAL", start, end, "1")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if fake.lastEnd.Load() != end.UnixMilli() {
		t.Errorf("last chunk ends at %d, want %d", fake.lastEnd.Load(), end.UnixMilli())
	}
	if !candles[len(candles)-1].Time.Equal(end) {
		t.Errorf("last candle at %s, want %s", candles[len(candles)-1].Time, end)
	}
}

func TestChartDataRange_AllChunksFail(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	srv := (&fakeDeribit{failStart: start.UnixMilli()}).serve(t)
	c := newTestClient(srv)

	_, err := c.ChartDataRange(context.Background(), "BTC-PERPETUAL", start, start.Add(time.Hour), "1")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Errorf("expected wrapped RPCError, got %v", err)
	}
}

func TestLastBlockTrades(t *testing.T) {
	srv := (&fakeDeribit{}).serve(t)

	trades, err := newTestClient(srv, WithCredentials(testClientID, testSecret)).
		LastBlockTrades(context.Background(), "BTC", 20)
	if err != nil {
		t.Fatalf("block trades: %v", err)
	}
	if len(trades) != 1 || len(trades[0].Trades) != 1 {
		t.Fatalf("unexpected trades %+v", trades)
	}

	_, err = newTestClient(srv).LastBlockTrades(context.Background(), "BTC", 20)
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

func TestBlockTradeRecords(t *testing.T) {
	ts := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	trades := []BlockTrade{{
		ID:        "B1",
		Timestamp: ts,
		Trades: []BlockTradeLeg{
			{TradeID: "1", InstrumentName: "BTC-27DEC24-60000-C", Direction: "buy", Price: 0.05, Amount: 10, IV: 55, IndexPrice: 95000},
			{TradeID: "2", InstrumentName: "BTC-PERPETUAL", Direction: "sell", Price: 95000, Amount: 1000},
			{TradeID: "3", InstrumentName: "BTC-27DEC24-80000-P", Direction: "sell", Price: 0.01, Amount: 5, IV: 60, IndexPrice: 95000},
			{TradeID: "4", InstrumentName: "BTC-27DEC24-90000-P", Direction: "hold", Price: 0.01, Amount: 5, IV: 60, IndexPrice: 95000},
		},
	}}

	records, errs := BlockTradeRecords(trades, 0.05)
	if len(errs) != 1 || !errors.Is(errs[0], ErrInvalidDirection) {
		t.Fatalf("expected one direction error, got %v", errs)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	call := records[0]
	if call.UniqueID != "B1-1" || call.Type != "Call" || call.Action != "Bought" {
		t.Errorf("unexpected call record %+v", call)
	}
	if math.Abs(call.Premium-4750) > 1e-9 {
		t.Errorf("premium: got %v, want 4750", call.Premium)
	}
	if math.Abs(call.IV-0.55) > 1e-12 || call.ContractSize != 10 || call.Strike != 60000 {
		t.Errorf("unexpected call inputs %+v", call)
	}
	wantT := (26*24 + 8) / 24.0 / 365
	if math.Abs(call.TimeToMaturity-wantT) > 1e-12 {
		t.Errorf("ttm: got %v, want %v", call.TimeToMaturity, wantT)
	}
	if records[1].Action != "Sold" || records[1].Type != "Put" {
		t.Errorf("unexpected put record %+v", records[1])
	}
}

func TestRealizedVolatility(t *testing.T) {
	at := func(day, hour int) time.Time { return time.Date(2024, 6, day, hour, 0, 0, 0, time.UTC) }
	candles := []Candle{
		{Time: at(1, 0), Close: 100},
		{Time: at(1, 12), Close: 110},
		{Time: at(2, 0), Close: 99},
		{Time: at(2, 12), Close: 99},
	}

	got := RealizedVolatility(candles)
	if len(got) != 2 {
		t.Fatalf("expected 2 days, got %d", len(got))
	}
	tests := []struct {
		date    string
		vol     float64
		returns int
	}{
		{"2024-06-01", math.Log(1.1), 1},
		{"2024-06-02", math.Sqrt(math.Pow(math.Log(99.0/110), 2)), 2},
	}
	for i, tt := range tests {
		if got[i].Date != tt.date || got[i].Returns != tt.returns {
			t.Errorf("day %d: got %+v, want date %s returns %d", i, got[i], tt.date, tt.returns)
		}
		if math.Abs(got[i].RealizedVolatility-tt.vol) > 1e-12 {
			t.Errorf("day %s: vol %v, want %v", tt.date, got[i].RealizedVolatility, tt.vol)
		}
	}
}

func TestRealizedVolatility_SingleCandle(t *testing.T) {
	got := RealizedVolatility([]Candle{{Time: time.Unix(0, 0), Close: 1}})
	if len(got) != 1 || got[0].RealizedVolatility != 0 || got[0].Returns != 0 {
		t.Errorf("unexpected %+v", got)
	}
	if RealizedVolatility(nil) != nil {
		t.Error("expected nil for no candles")
	}
}

func TestResolutionDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1", time.Minute, true},
		{"60", time.Hour, true},
		{"1D", 24 * time.Hour, true},
		{"0", 0, false},
		{"1W", 0, false},
	}
	for _, tt := range tests {
		got, err := ResolutionDuration(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ResolutionDuration(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestSortCandles(t *testing.T) {
	c := []Candle{{Time: time.Unix(2, 0)}, {Time: time.Unix(1, 0)}}
	SortCandles(c)
	if c[0].Time.Unix() != 1 {
		t.Error("not sorted")
	}
}
