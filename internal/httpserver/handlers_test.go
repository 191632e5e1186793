package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hookline/server/internal/config"
	"github.com/hookline/server/internal/delivery"
	"github.com/hookline/server/internal/filter"
	"github.com/hookline/server/internal/inbound"
	"github.com/hookline/server/internal/ingest"
	"github.com/hookline/server/internal/metrics"
	"github.com/hookline/server/internal/signature"
	"github.com/hookline/server/internal/subscriptions"
)

const testIngestSecret = "whsec_router_test"

type testServer struct {
	router     *chi.Mux
	registry   subscriptions.Repository
	deliveries delivery.Store
	inbound    inbound.EventStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	cfg.Ingest.Secret = testIngestSecret
	cfg.RateLimit.Enabled = false

	registry := subscriptions.NewMemoryRepository()
	deliveryStore := delivery.NewMemoryStore()
	inboundStore := inbound.NewMemoryEventStore()
	collector := metrics.New(prometheus.NewRegistry())
	log := zerolog.Nop()
	codec := signature.NewCodec()

	dispatcher := delivery.NewDispatcher(delivery.DispatcherOptions{
		Store:    deliveryStore,
		Registry: registry,
		Filters:  filter.NewEvaluator(),
		Logger:   log,
		Metrics:  collector,
	})
	worker := delivery.NewWorker(delivery.WorkerOptions{
		Store:    deliveryStore,
		Registry: registry,
		Codec:    codec,
		Logger:   log,
		Metrics:  collector,
	})
	processor := inbound.NewProcessor(inbound.ProcessorOptions{
		Store: inboundStore,
		Handler: inbound.HandlerFunc(func(ctx context.Context, ev inbound.InboundEvent) error {
			return nil
		}),
		Logger:  log,
		Metrics: collector,
	})
	receiver := ingest.NewReceiver(ingest.ReceiverOptions{
		Store:     inboundStore,
		Processor: processor,
		Codec:     codec,
		Logger:    log,
		Metrics:   collector,
		Secret:    testIngestSecret,
	})

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, Dependencies{
		Registry:       registry,
		Deliveries:     deliveryStore,
		Inbound:        inboundStore,
		Dispatcher:     dispatcher,
		Worker:         worker,
		Receiver:       receiver,
		Metrics:        collector,
		MetricsHandler: promhttp.Handler(),
		Logger:         log,
	})

	return &testServer{
		router:     router,
		registry:   registry,
		deliveries: deliveryStore,
		inbound:    inboundStore,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func validSubscriptionRequest() SubscriptionRequest {
	return SubscriptionRequest{
		OwnerID: "acct_1",
		URL:     "https://hooks.example.com/receive",
		Secret:  "whsec_sub",
		Events:  []string{"invoice.*"},
	}
}

func TestCreateAndGetSubscription(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/subscriptions", validSubscriptionRequest(), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created SubscriptionResponse
	decodeBody(t, rec, &created)
	if created.ID == "" {
		t.Fatal("expected generated subscription ID")
	}
	if !created.HasSecret {
		t.Error("expected hasSecret true")
	}
	if strings.Contains(rec.Body.String(), "whsec_sub") {
		t.Error("secret must not be echoed in the response")
	}
	if !created.IsActive {
		t.Error("new subscriptions start active")
	}
	if created.Retry.MaxAttempts != 5 {
		t.Errorf("default maxAttempts = %d, want 5", created.Retry.MaxAttempts)
	}

	rec = ts.do(t, http.MethodGet, "/v1/subscriptions/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var fetched SubscriptionResponse
	decodeBody(t, rec, &fetched)
	if fetched.URL != "https://hooks.example.com/receive" {
		t.Errorf("url = %q", fetched.URL)
	}

	rec = ts.do(t, http.MethodGet, "/v1/subscriptions?ownerId=acct_1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list struct {
		Subscriptions []SubscriptionResponse `json:"subscriptions"`
	}
	decodeBody(t, rec, &list)
	if len(list.Subscriptions) != 1 {
		t.Errorf("list returned %d subscriptions, want 1", len(list.Subscriptions))
	}
}

func TestCreateSubscriptionRejectsInvalid(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(*SubscriptionRequest)
	}{
		{"relative url", func(r *SubscriptionRequest) { r.URL = "/not-absolute" }},
		{"no events", func(r *SubscriptionRequest) { r.Events = nil }},
		{"bad method", func(r *SubscriptionRequest) { r.Method = "PATCH" }},
		{"bad condition", func(r *SubscriptionRequest) {
			r.Filters = &subscriptions.Filters{Condition: "payload.amount >"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validSubscriptionRequest()
			tt.mutate(&req)
			rec := ts.do(t, http.MethodPost, "/v1/subscriptions", req, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestUpdateSubscriptionPreservesCounters(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/subscriptions", validSubscriptionRequest(), nil)
	var created SubscriptionResponse
	decodeBody(t, rec, &created)

	// Counters belong to the worker; bump one behind the API's back.
	if err := ts.registry.RecordSuccess(context.Background(), created.ID, time.Now()); err != nil {
		t.Fatalf("recording success: %v", err)
	}

	update := validSubscriptionRequest()
	update.URL = "https://hooks.example.com/v2"
	rec = ts.do(t, http.MethodPut, "/v1/subscriptions/"+created.ID, update, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated SubscriptionResponse
	decodeBody(t, rec, &updated)
	if updated.URL != "https://hooks.example.com/v2" {
		t.Errorf("url = %q", updated.URL)
	}
	if updated.SuccessfulDeliveries != 1 {
		t.Errorf("successfulDeliveries = %d, want 1", updated.SuccessfulDeliveries)
	}
}

func TestDeactivateSubscription(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/subscriptions", validSubscriptionRequest(), nil)
	var created SubscriptionResponse
	decodeBody(t, rec, &created)

	rec = ts.do(t, http.MethodDelete, "/v1/subscriptions/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d", rec.Code)
	}

	sub, err := ts.registry.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("fetching subscription: %v", err)
	}
	if sub.IsActive {
		t.Error("subscription should be inactive")
	}

	rec = ts.do(t, http.MethodDelete, "/v1/subscriptions/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", rec.Code)
	}
}

func TestPublishEventEnqueuesDeliveries(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/subscriptions", validSubscriptionRequest(), nil)
	var created SubscriptionResponse
	decodeBody(t, rec, &created)

	rec = ts.do(t, http.MethodPost, "/v1/events", PublishEventRequest{
		Type: "invoice.paid",
		Data: map[string]any{"amount": 42},
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("publish: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp PublishEventResponse
	decodeBody(t, rec, &resp)
	if resp.Matched != 1 {
		t.Fatalf("matched = %d, want 1", resp.Matched)
	}
	if resp.Deliveries[0].SubscriptionID != created.ID {
		t.Errorf("subscriptionId = %q, want %q", resp.Deliveries[0].SubscriptionID, created.ID)
	}
	if resp.Deliveries[0].Status != "pending" {
		t.Errorf("status = %q, want pending", resp.Deliveries[0].Status)
	}

	queued, err := ts.deliveries.List(context.Background(), delivery.StatusPending, 10)
	if err != nil {
		t.Fatalf("listing deliveries: %v", err)
	}
	if len(queued) != 1 {
		t.Errorf("store has %d pending deliveries, want 1", len(queued))
	}

	// Missing type is rejected before dispatch.
	rec = ts.do(t, http.MethodPost, "/v1/events", PublishEventRequest{Data: map[string]any{}}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing type: expected 400, got %d", rec.Code)
	}
}

func TestListDeliveriesEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/subscriptions", validSubscriptionRequest(), nil)
	var created SubscriptionResponse
	decodeBody(t, rec, &created)

	ts.do(t, http.MethodPost, "/v1/events", PublishEventRequest{
		Type: "invoice.paid",
		Data: map[string]any{"amount": 1},
	}, nil)

	rec = ts.do(t, http.MethodGet, "/v1/deliveries?status=pending", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list struct {
		Deliveries []delivery.Delivery `json:"deliveries"`
	}
	decodeBody(t, rec, &list)
	if len(list.Deliveries) != 1 {
		t.Fatalf("listed %d deliveries, want 1", len(list.Deliveries))
	}

	rec = ts.do(t, http.MethodGet, "/v1/deliveries/"+list.Deliveries[0].ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/deliveries/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", rec.Code)
	}
}

func TestRetryDeliveryValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/deliveries/missing/retry", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", rec.Code)
	}

	// A pending delivery is not manually retryable.
	ts.do(t, http.MethodPost, "/v1/subscriptions", validSubscriptionRequest(), nil)
	ts.do(t, http.MethodPost, "/v1/events", PublishEventRequest{
		Type: "invoice.paid",
		Data: map[string]any{"amount": 1},
	}, nil)
	queued, err := ts.deliveries.List(context.Background(), delivery.StatusPending, 1)
	if err != nil || len(queued) != 1 {
		t.Fatalf("expected one pending delivery, got %d (err %v)", len(queued), err)
	}

	rec = ts.do(t, http.MethodPost, "/v1/deliveries/"+queued[0].ID+"/retry", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("pending delivery: expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIngestEndpointAcceptsSignedEvent(t *testing.T) {
	ts := newTestServer(t)
	codec := signature.NewCodec()

	body := []byte(`{"externalEventId":"evt_r1","eventType":"invoice.paid","payload":{"amount":42}}`)
	now := time.Now().Unix()
	sig, err := codec.Sign(testIngestSecret, now, body)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	headers := map[string]string{
		ingest.HeaderTimestamp: fmt.Sprintf("%d", now),
		ingest.HeaderSignature: sig,
	}

	rec := ts.do(t, http.MethodPost, "/ingest/events", body, headers)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp IngestResponse
	decodeBody(t, rec, &resp)
	if !resp.Received || resp.Duplicate {
		t.Errorf("response = %+v, want received and not duplicate", resp)
	}
	if resp.ExternalEventID != "evt_r1" {
		t.Errorf("externalEventId = %q", resp.ExternalEventID)
	}

	// Same event again is acknowledged as a duplicate.
	rec = ts.do(t, http.MethodPost, "/ingest/events", body, headers)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("duplicate: expected 202, got %d", rec.Code)
	}
	decodeBody(t, rec, &resp)
	if !resp.Duplicate {
		t.Error("expected duplicate acknowledgement")
	}

	rec = ts.do(t, http.MethodGet, "/v1/inbound/evt_r1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("inbound get: expected 200, got %d", rec.Code)
	}
}

func TestIngestEndpointRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{"externalEventId":"evt_r2","eventType":"invoice.paid","payload":{}}`)
	headers := map[string]string{
		ingest.HeaderTimestamp: fmt.Sprintf("%d", time.Now().Unix()),
		ingest.HeaderSignature: "deadbeef",
	}

	rec := ts.do(t, http.MethodPost, "/ingest/events", body, headers)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "signature_invalid") {
		t.Errorf("expected signature_invalid code, got %s", rec.Body.String())
	}

	if _, err := ts.inbound.Get(context.Background(), "evt_r2"); err == nil {
		t.Error("rejected event must not be admitted")
	}
}

func TestHealthzEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	decodeBody(t, rec, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if _, ok := resp["pendingDeliveries"]; !ok {
		t.Error("expected pendingDeliveries in health response")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}
