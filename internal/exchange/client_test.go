package exchange

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
	"trade_agent/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.Exchange{
		BaseURL:      srv.URL,
		APIKey:       "key",
		APISecret:    "secret",
		Passphrase:   "pass",
		QuoteAsset:   "USDT",
		TdMode:       "cash",
		RateLimit:    100,
		TickerMaxAge: time.Minute,
	}, nil)
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathTime {
			t.Errorf("path=%s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[{"ts":"1700000000000"}]}`)
	})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestAPIErrorCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":"50011","msg":"rate limit","data":[]}`)
	})
	err := c.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "50011") {
		t.Fatalf("expected okx error, got %v", err)
	}
}

func TestHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	if _, err := c.FetchOHLCV(context.Background(), "BTC-USDT", "15m", 10); err == nil {
		t.Fatal("expected http error")
	}
}

func TestFetchOHLCVOldestFirst(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("instId") != "BTC-USDT" || q.Get("bar") != "1H" || q.Get("limit") != "2" {
			t.Errorf("query=%v", q)
		}
		_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[
			["1700003600000","2","3","1","2.5","10","0","0","1"],
			["1700000000000","1","2","0.5","1.5","20","0","0","1"]]}`)
	})
	cs, err := c.FetchOHLCV(context.Background(), "BTC-USDT", "1h", 2)
	if err != nil {
		t.Fatalf("FetchOHLCV: %v", err)
	}
	if len(cs) != 2 || cs[0].Close != 1.5 || cs[1].Close != 2.5 {
		t.Fatalf("candles=%+v", cs)
	}
	if !cs[0].Start.Before(cs[1].Start) {
		t.Fatal("candles must be oldest first")
	}
}

func TestFetchTickerUsesCache(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[{"instId":"ETH-USDT","last":"2500.5","ts":"0"}]}`)
	})
	ctx := context.Background()

	tk, err := c.FetchTicker(ctx, "ETH-USDT")
	if err != nil || tk.Last != 2500.5 {
		t.Fatalf("ticker=%+v err=%v", tk, err)
	}
	if _, err := c.FetchTicker(ctx, "ETH-USDT"); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Fatalf("REST hits=%d, second call should come from cache", hits.Load())
	}

	c.prices.Set("SOL-USDT", 150, time.Now())
	if tk, _ := c.FetchTicker(ctx, "SOL-USDT"); tk.Last != 150 || hits.Load() != 1 {
		t.Fatalf("stream price not used: %+v hits=%d", tk, hits.Load())
	}
}

func TestCreateOrder(t *testing.T) {
	cases := []struct {
		name    string
		side    models.Side
		details string
		wantQty float64
		wantFee float64
	}{
		// BUY: комиссия в базовой валюте, на кошельке остаётся 0.5 - 0.0005
		{"buy base fee", models.SideBuy,
			`{"avgPx":"100","accFillSz":"0.5","fee":"-0.0005","feeCcy":"BTC"}`, 0.4995, 0.05},
		{"sell quote fee", models.SideSell,
			`{"avgPx":"100","accFillSz":"0.5","fee":"-0.05","feeCcy":"USDT"}`, 0.5, 0.05},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.URL.Path == pathInst:
					_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[{"instId":"BTC-USDT","lotSz":"0.0001","state":"live"}]}`)
					return
				case r.Header.Get("OK-ACCESS-SIGN") == "" || r.Header.Get("OK-ACCESS-KEY") != "key":
					t.Errorf("request is not signed")
				}
				switch r.Method {
				case http.MethodPost:
					b, _ := io.ReadAll(r.Body)
					body := string(b)
					for _, want := range []string{`"side":"` + strings.ToLower(string(tc.side)) + `"`, `"ordType":"market"`, `"sz":"0.5"`, `"clOrdId"`} {
						if !strings.Contains(body, want) {
							t.Errorf("body %s misses %s", body, want)
						}
					}
					_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[{"ordId":"42","clOrdId":"x","sCode":"0","sMsg":""}]}`)
				case http.MethodGet:
					if r.URL.Query().Get("ordId") != "42" {
						t.Errorf("ordId=%s", r.URL.Query().Get("ordId"))
					}
					_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[`+tc.details+`]}`)
				}
			})

			o, err := c.CreateOrder(context.Background(), "BTC-USDT", tc.side, 0.5)
			if err != nil {
				t.Fatalf("CreateOrder: %v", err)
			}
			if o.ID != "42" || o.Price != 100 || o.Quantity != tc.wantQty {
				t.Fatalf("order=%+v, want qty %v", o, tc.wantQty)
			}
			if o.Fee < tc.wantFee-1e-6 || o.Fee > tc.wantFee+1e-6 {
				t.Fatalf("fee=%v, want %v USDT", o.Fee, tc.wantFee)
			}
			if o.ClientOrderID == "" {
				t.Fatal("client order id must be set")
			}
		})
	}
}

func TestCreateOrderRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":"1","msg":"failed","data":[{"ordId":"","sCode":"51008","sMsg":"insufficient balance"}]}`)
	})
	o, err := c.CreateOrder(context.Background(), "BTC-USDT", models.SideSell, 1)
	if err == nil || o != nil {
		t.Fatalf("expected failure, got %+v %v", o, err)
	}
}

func TestSignedCallWithoutCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	})
	c.apiKey = ""
	if c.HasCredentials() {
		t.Fatal("HasCredentials must be false")
	}
	if _, err := c.FetchBalance(context.Background()); err == nil {
		t.Fatal("expected credentials error")
	}
}

func TestFetchBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[{"details":[
			{"ccy":"USDT","availBal":"900.5","cashBal":"1000","eq":"1000"},
			{"ccy":"BTC","availBal":"0.1","cashBal":"0.1","eq":""}]}]}`)
	})
	b, err := c.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	if b["USDT"].Free != 900.5 || b["USDT"].Total != 1000 {
		t.Fatalf("usdt=%+v", b["USDT"])
	}
	if b["BTC"].Total != 0.1 {
		t.Fatalf("btc=%+v", b["BTC"])
	}
}

func TestTickerStreamHandle(t *testing.T) {
	cache := NewPriceCache()
	s := NewTickerStream("ws://unused", cache)
	s.handle([]byte(`{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"65000.1","ts":"1700000000000"}]}`))
	s.handle([]byte("pong"))
	s.handle([]byte(`{"event":"subscribe"}`))

	at := time.UnixMilli(1700000000000)
	tk, ok := cache.Get("BTC-USDT", time.Minute, at.Add(time.Second))
	if !ok || tk.Last != 65000.1 {
		t.Fatalf("cache=%+v ok=%v", tk, ok)
	}
	if _, ok := cache.Get("BTC-USDT", time.Minute, at.Add(2*time.Minute)); ok {
		t.Fatal("stale price must be ignored")
	}
	if !s.LastTick().Equal(at) {
		t.Fatalf("last tick=%v", s.LastTick())
	}
}

func TestTickerStreamWatchDedup(t *testing.T) {
	s := NewTickerStream("ws://unused", NewPriceCache())
	s.Watch([]string{"B", "A"})
	<-s.retarget
	s.Watch([]string{"A", "B"})
	select {
	case <-s.retarget:
		t.Fatal("same symbol set must not trigger reconnect")
	default:
	}
}

func TestLotStepCached(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		if r.URL.Path != pathInst || q.Get("instType") != "SPOT" || q.Get("instId") != "BTC-USDT" {
			t.Errorf("request=%s %v", r.URL.Path, q)
		}
		_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[{"instId":"BTC-USDT","lotSz":"0.00001","minSz":"0.00001","state":"live"}]}`)
	})

	for i := 0; i < 2; i++ {
		step, err := c.LotStep(context.Background(), "BTC-USDT")
		if err != nil {
			t.Fatalf("LotStep: %v", err)
		}
		if step != 0.00001 {
			t.Fatalf("step = %v", step)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestLotStepSuspended(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[{"instId":"X-USDT","lotSz":"1","state":"suspend"}]}`)
	})
	if _, err := c.LotStep(context.Background(), "X-USDT"); err == nil {
		t.Fatal("expected error for suspended instrument")
	}
}
