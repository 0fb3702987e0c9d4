package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mb6226/iranvault/internal/config"
	"github.com/mb6226/iranvault/internal/events"
	"github.com/mb6226/iranvault/internal/gateway"
	"github.com/mb6226/iranvault/internal/risk"
	commonerrors "github.com/mb6226/iranvault/pkg/errors"
)

type fakeSubmitter struct {
	out gateway.Outcome
	err error
	got events.OrderRequest
}

func (f *fakeSubmitter) Submit(ctx context.Context, req events.OrderRequest) (gateway.Outcome, error) {
	f.got = req
	return f.out, f.err
}

func postOrder(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const validOrder = `{"userId":"u1","symbol":"BTC-USDT","side":"BUY","price":100,"quantity":1}`

func TestOrderHandlerStatuses(t *testing.T) {
	tests := []struct {
		name     string
		out      gateway.Outcome
		err      error
		wantCode int
		wantBody string
	}{
		{name: "approved", out: gateway.Outcome{OrderID: "o", Status: gateway.StatusApproved, LockedFunds: decimal.NewFromInt(100)}, wantCode: http.StatusOK, wantBody: `"status":"approved"`},
		{name: "rejected", out: gateway.Outcome{OrderID: "o", Status: gateway.StatusRejected, Reason: "INSUFFICIENT_BALANCE"}, wantCode: http.StatusBadRequest, wantBody: `"reason":"INSUFFICIENT_BALANCE"`},
		{name: "timeout", out: gateway.Outcome{OrderID: "o", Status: gateway.StatusTimeout}, wantCode: http.StatusGatewayTimeout, wantBody: `"status":"timeout"`},
		{name: "duplicate", err: commonerrors.New(commonerrors.CodeDuplicateOrderID, "dup"), wantCode: http.StatusConflict, wantBody: `"code":"DUPLICATE_ORDER_ID"`},
		{name: "unavailable", err: commonerrors.New(commonerrors.CodeUnavailable, "bus"), wantCode: http.StatusServiceUnavailable, wantBody: `"requestId":"req-1"`},
		{name: "invalid", err: commonerrors.New(commonerrors.CodeInvalidParam, "quantity"), wantCode: http.StatusBadRequest, wantBody: `"code":"INVALID_PARAM"`},
		{name: "internal", err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantBody: `"code":"INTERNAL"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewOrderHandler(&fakeSubmitter{out: tt.out, err: tt.err}, nil)
			rec := postOrder(t, h, validOrder)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d, body %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %s, want %s", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestOrderHandlerDecodesRequest(t *testing.T) {
	sub := &fakeSubmitter{out: gateway.Outcome{Status: gateway.StatusApproved}}
	h := NewOrderHandler(sub, nil)

	postOrder(t, h, `{"orderId":"o-1","userId":"u1","symbol":"BTC-USDT","side":"SELL","price":"100.5","quantity":"0.25","leverage":2}`)
	if sub.got.OrderID != "o-1" || sub.got.Side != events.SideSell || !sub.got.Price.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("request = %+v", sub.got)
	}
}

func TestOrderHandlerBadRequests(t *testing.T) {
	h := NewOrderHandler(&fakeSubmitter{}, nil)

	rec := postOrder(t, h, `{"userId":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: status = %d", rec.Code)
	}
}

type fakeController struct {
	mu      sync.Mutex
	rules   *config.Rules
	breaker *risk.Breaker
	err     error
	paths   []string
}

func (f *fakeController) Rules() *config.Rules {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules
}

func (f *fakeController) Breaker() *risk.Breaker { return f.breaker }

func (f *fakeController) ReloadRules(path string) (*config.Rules, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	if f.err != nil {
		return nil, f.err
	}
	f.rules = config.DefaultRules()
	f.rules.MaxLeverage = decimal.NewFromInt(7)
	return f.rules, nil
}

func newControl(t *testing.T) (*http.ServeMux, *fakeController) {
	t.Helper()
	b := risk.NewBreaker(100, time.Hour)
	t.Cleanup(b.Close)
	ctrl := &fakeController{rules: config.DefaultRules(), breaker: b}
	mux := http.NewServeMux()
	NewControlHandler(ctrl, "/etc/risk-rules.yaml", nil).Register(mux, nil)
	return mux, ctrl
}

func do(mux http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRulesShowsEffectiveKillSwitch(t *testing.T) {
	mux, ctrl := newControl(t)
	ctrl.breaker.SetManual(true)

	rec := do(mux, http.MethodGet, "/rules")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		KillSwitch  bool            `json:"killSwitch"`
		MaxLeverage decimal.Decimal `json:"maxLeverage"`
		Breaker     struct {
			State string `json:"state"`
		} `json:"breaker"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.KillSwitch || body.Breaker.State != "ManualKill" || !body.MaxLeverage.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("body = %s", rec.Body.String())
	}

	if rec := do(mux, http.MethodPost, "/rules"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /rules status = %d", rec.Code)
	}
}

func TestKillSwitchToggle(t *testing.T) {
	mux, ctrl := newControl(t)

	if rec := do(mux, http.MethodPost, "/kill-switch/true"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ctrl.breaker.State() != risk.StateManualKill {
		t.Fatalf("state = %s", ctrl.breaker.State())
	}

	if rec := do(mux, http.MethodPost, "/kill-switch/false"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ctrl.breaker.Active() {
		t.Fatal("expected inactive")
	}

	if rec := do(mux, http.MethodPost, "/kill-switch/maybe"); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid value status = %d", rec.Code)
	}
	if rec := do(mux, http.MethodGet, "/kill-switch/true"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}
}

func TestRulesReload(t *testing.T) {
	mux, ctrl := newControl(t)

	rec := do(mux, http.MethodPost, "/rules/reload")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"maxLeverage":7`) {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(ctrl.paths) != 1 || ctrl.paths[0] != "/etc/risk-rules.yaml" {
		t.Fatalf("paths = %v", ctrl.paths)
	}

	ctrl.err = errors.New("parse rules: bad yaml")
	if rec := do(mux, http.MethodPost, "/rules/reload"); rec.Code != http.StatusBadRequest {
		t.Fatalf("failed reload status = %d", rec.Code)
	}
}

func TestBreakerInfo(t *testing.T) {
	b := risk.NewBreaker(0, time.Hour)
	defer b.Close()
	b.RecordRejection()

	info := BreakerInfo(b)()
	if info["killSwitch"] != true || info["breakerState"] != "Tripped" || info["rejectionCount"] != 1 {
		t.Fatalf("info = %v", info)
	}
}

type recordingObserver struct {
	route  string
	status int
}

func (r *recordingObserver) ObserveHTTP(method, route string, status int, d time.Duration) {
	r.route = route
	r.status = status
}

func TestInstrument(t *testing.T) {
	obs := &recordingObserver{}
	h := Instrument("/kill-switch", obs, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	do(h, http.MethodPost, "/kill-switch/true")
	if obs.route != "/kill-switch" || obs.status != http.StatusTeapot {
		t.Fatalf("observed = %+v", obs)
	}

	h = Instrument("/live", obs, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	do(h, http.MethodGet, "/live")
	if obs.status != http.StatusOK {
		t.Fatalf("default status = %d", obs.status)
	}
}

func TestControlRoutesInstrumented(t *testing.T) {
	b := risk.NewBreaker(100, time.Hour)
	t.Cleanup(b.Close)
	ctrl := &fakeController{rules: config.DefaultRules(), breaker: b}
	obs := &recordingObserver{}
	mux := http.NewServeMux()
	NewControlHandler(ctrl, "/etc/risk-rules.yaml", nil).Register(mux, obs)

	do(mux, http.MethodPost, "/kill-switch/true")
	if obs.route != "/kill-switch" || obs.status != http.StatusOK {
		t.Fatalf("observed = %+v", obs)
	}
	if !b.Snapshot().Manual {
		t.Fatal("kill switch not set through instrumented route")
	}

	do(mux, http.MethodGet, "/rules")
	if obs.route != "/rules" || obs.status != http.StatusOK {
		t.Fatalf("observed = %+v", obs)
	}
}
