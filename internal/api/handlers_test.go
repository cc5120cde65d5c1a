package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/clock"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/config"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/engine"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testHarness struct {
	server *Server
	mux    *http.ServeMux
	engine *engine.Engine
	clk    *clock.Fake
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	engineCfg := config.EngineConfig{
		BucketWidth:             time.Minute,
		MaxLateness:             30 * time.Second,
		ClockSkewTolerance:      5 * time.Second,
		SessionTTL:              30 * time.Minute,
		CohortPeriod:            168 * time.Hour,
		AnomalyWindowSize:       30,
		AnomalyKSigma:           2.0,
		AnomalyWarmup:           5,
		PublisherBufferCapacity: 16,
		WorkerCount:             2,
		DimensionSlices:         [][]string{{"device_type"}},
		LogLevel:                slog.LevelError,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	clk := clock.NewFake(t0)

	eng, err := engine.New(engineCfg, logger, clk)
	if err != nil {
		t.Fatal(err)
	}

	eng.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = eng.Stop(ctx)
	})

	server := &Server{
		logger: logger,
		config: LoadServerConfig(),
		engine: eng,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	return &testHarness{server: server, mux: mux, engine: eng, clk: clk}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("condition not reached in time")
}

func (h *testHarness) ingest(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, r)

	return w
}

func eventJSON(sessionID, stage string, ts time.Time) string {
	return fmt.Sprintf(
		`{"event_id":%q,"session_id":%q,"customer_id":"cust-%s","stage":%q,"timestamp":%q,"device_type":"Mobile","customer_segment":"New"}`,
		sessionID+"-"+stage, sessionID, sessionID, stage, ts.Format(time.RFC3339),
	)
}

func TestHandleIngestEvents(t *testing.T) {
	t.Run("accepts a valid batch", func(t *testing.T) {
		h := newTestHarness(t)

		body := "[" + eventJSON("s-1", "page_view", t0) + "," + eventJSON("s-1", "product_view", t0.Add(time.Second)) + "]"

		w := h.ingest(t, body)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
		}

		var resp IngestResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}

		if resp.Status != "success" || resp.Summary.Accepted != 2 {
			t.Errorf("response = %+v", resp)
		}

		waitFor(t, func() bool { return h.engine.Stats().Accepted == 2 })
	})

	t.Run("partial batch returns 207 with failed indexes", func(t *testing.T) {
		h := newTestHarness(t)

		// Second event is missing its session ID.
		body := "[" + eventJSON("s-1", "page_view", t0) + "," +
			fmt.Sprintf(`{"event_id":"e-2","customer_id":"c-2","stage":"page_view","timestamp":%q}`, t0.Format(time.RFC3339)) +
			"]"

		w := h.ingest(t, body)

		if w.Code != http.StatusMultiStatus {
			t.Fatalf("status = %d, want 207; body %s", w.Code, w.Body.String())
		}

		var resp IngestResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}

		if resp.Status != "partial_success" {
			t.Errorf("Status = %q, want partial_success", resp.Status)
		}

		if len(resp.FailedEvents) != 1 || resp.FailedEvents[0].Index != 1 {
			t.Errorf("FailedEvents = %+v", resp.FailedEvents)
		}
	})

	t.Run("all-invalid batch returns 422", func(t *testing.T) {
		h := newTestHarness(t)

		body := fmt.Sprintf(`[{"event_id":"e-1","customer_id":"c-1","stage":"page_view","timestamp":%q}]`,
			t0.Format(time.RFC3339))

		w := h.ingest(t, body)

		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", w.Code)
		}
	})

	t.Run("rejects non-json content type", func(t *testing.T) {
		h := newTestHarness(t)

		r := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString("session_id=s-1"))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusUnsupportedMediaType {
			t.Errorf("status = %d, want 415", w.Code)
		}

		if ct := w.Header().Get("Content-Type"); ct != contentTypeProblemJSON {
			t.Errorf("Content-Type = %q, want %q", ct, contentTypeProblemJSON)
		}
	})

	t.Run("rejects empty body", func(t *testing.T) {
		h := newTestHarness(t)

		if w := h.ingest(t, ""); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		h := newTestHarness(t)

		if w := h.ingest(t, "{not json"); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHandleFunnelCurrent(t *testing.T) {
	h := newTestHarness(t)

	t.Run("404 before any finalization", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/funnel/current", nil)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
	})

	t.Run("serves the finalized bucket", func(t *testing.T) {
		body := "[" +
			eventJSON("s-1", "page_view", t0) + "," +
			eventJSON("s-1", "purchase", t0.Add(2*time.Second)) + "," +
			eventJSON("s-2", "page_view", t0.Add(time.Second)) +
			"]"

		if w := h.ingest(t, body); w.Code != http.StatusOK {
			t.Fatalf("ingest status = %d; body %s", w.Code, w.Body.String())
		}

		// Accepted counts intake, not aggregation: wait until the workers have
		// applied every transition before letting the bucket finalize. Both
		// customers must be cohort members and the purchase must have landed.
		waitFor(t, func() bool {
			if h.engine.Stats().LiveSessions != 2 {
				return false
			}

			rows := h.engine.Cohorts().Table("New")

			return len(rows) == 1 && rows[0].Members == 2 && rows[0].Fractions[0][event.StagePurchase] > 0
		})

		// Past bucket width plus lateness: the bucket finalizes.
		h.clk.Advance(time.Minute + 31*time.Second)
		h.engine.Tick()

		r := httptest.NewRequest(http.MethodGet, "/api/v1/funnel/current", nil)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
		}

		var view BucketView
		if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
			t.Fatal(err)
		}

		if view.StageCounts["page_view"] != 2 || view.StageCounts["purchase"] != 1 {
			t.Errorf("StageCounts = %v", view.StageCounts)
		}

		if view.OverallConversionRate != 50 {
			t.Errorf("OverallConversionRate = %v, want 50", view.OverallConversionRate)
		}

		// Sliced snapshot is published separately.
		r = httptest.NewRequest(http.MethodGet, "/api/v1/funnel/current?slice=device_type=Mobile", nil)
		w = httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Errorf("sliced status = %d, want 200", w.Code)
		}
	})

	t.Run("history lists finalized buckets", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/funnel/history", nil)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}

		var views []BucketView
		if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
			t.Fatal(err)
		}

		if len(views) != 1 {
			t.Errorf("history returned %d buckets, want 1", len(views))
		}
	})

	t.Run("history rejects malformed bounds", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/funnel/history?from=yesterday", nil)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHandleCohorts(t *testing.T) {
	h := newTestHarness(t)

	body := "[" + eventJSON("s-1", "page_view", t0) + "]"
	if w := h.ingest(t, body); w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d", w.Code)
	}

	waitFor(t, func() bool { return h.engine.Stats().Accepted == 1 })
	waitFor(t, func() bool { return h.engine.Cohorts().Cohorts() == 1 })

	r := httptest.NewRequest(http.MethodGet, "/api/v1/cohorts", nil)
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var views []RetentionView
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}

	if len(views) != 1 || views[0].Segment != "New" || views[0].Members != 1 {
		t.Fatalf("views = %+v", views)
	}

	if f := views[0].Retention[0]["page_view"]; f != 1 {
		t.Errorf("offset-0 visit fraction = %v, want 1", f)
	}
}

func TestHandleAlerts(t *testing.T) {
	h := newTestHarness(t)

	t.Run("empty by default", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
	})

	t.Run("rejects bad limit", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?limit=-3", nil)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHandleStats(t *testing.T) {
	h := newTestHarness(t)

	body := "[" + eventJSON("s-1", "page_view", t0) + "]"
	if w := h.ingest(t, body); w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d", w.Code)
	}

	waitFor(t, func() bool { return h.engine.Stats().Accepted == 1 })

	r := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var stats engine.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}

	if stats.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", stats.Accepted)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestHarness(t)

	t.Run("ping", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ping", nil)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusOK || w.Body.String() != "pong" {
			t.Errorf("ping = %d %q", w.Code, w.Body.String())
		}
	})

	t.Run("ready without archive", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ready", nil)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Errorf("ready = %d, want 200", w.Code)
		}
	})

	t.Run("health", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("health = %d, want 200", w.Code)
		}

		var status HealthStatus
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			t.Fatal(err)
		}

		if status.Status != "healthy" || status.ServiceName != serviceName {
			t.Errorf("health = %+v", status)
		}
	})

	t.Run("unknown path returns problem json", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/nope", nil)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)

		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}

		if ct := w.Header().Get("Content-Type"); ct != contentTypeProblemJSON {
			t.Errorf("Content-Type = %q, want %q", ct, contentTypeProblemJSON)
		}
	})
}

func TestServerConfigValidate(t *testing.T) {
	cfg := LoadServerConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := *cfg
	bad.Port = 0

	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject port 0")
	}
}
