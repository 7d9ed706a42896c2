package runtime

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/matchwatch/internal/runtime/config"
	"github.com/drblury/matchwatch/internal/runtime/jsoncodec"
)

func newStatusService(t *testing.T, sub message.Subscriber) (*Service, *http.ServeMux) {
	t.Helper()
	svc := newTestService(t, &configpkg.Config{
		PubSubSystem:             "sqlite",
		StatusPort:               18080,
		StatusCORSAllowedOrigins: []string{"http://dash.local"},
	}, ServiceDependencies{
		DisableDefaultMiddlewares: true,
		TransportFactory:          staticFactory(&testPublisher{}, sub),
	})
	noop := func(*message.Message) ([]*message.Message, error) { return nil, nil }
	require.NoError(t, RegisterMessageHandler(svc, MessageHandlerRegistration{Name: "enricher", ConsumeQueue: "tft_matches", PublishQueue: "zingers", Handler: noop}))
	require.NoError(t, RegisterMessageHandler(svc, MessageHandlerRegistration{Name: "delivery", ConsumeQueue: "zingers", Handler: noop}))

	svc.registerStatusAPI()
	svc.httpServersMu.Lock()
	mux := svc.httpServers[18080]
	svc.httpServersMu.Unlock()
	require.NotNil(t, mux)
	return svc, mux
}

func TestStatusAPIHandlers(t *testing.T) {
	_, mux := newStatusService(t, &testSubscriber{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/handlers", nil)
	req.Header.Set("Origin", "http://dash.local")
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://dash.local", rec.Header().Get("Access-Control-Allow-Origin"))

	var handlers []HandlerInfo
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &handlers))
	require.Len(t, handlers, 2)
	assert.Equal(t, "delivery", handlers[0].Name)
	assert.Equal(t, "zingers", handlers[1].PublishQueue)
}

func TestStatusAPIRejectsUnknownOrigin(t *testing.T) {
	_, mux := newStatusService(t, &testSubscriber{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/handlers", nil)
	req.Header.Set("Origin", "http://evil.local")
	mux.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusAPIQueues(t *testing.T) {
	sub := &queueSubscriber{
		pending: map[string]int64{"tft_matches": 3, "zingers": 1},
		dead:    map[string]int64{"zingers": 2},
	}
	svc, mux := newStatusService(t, sub)
	svc.poisonMetrics = NewPoisonMetrics(prometheus.NewRegistry())
	require.NoError(t, svc.poisonMetrics.Register())
	svc.poisonMetrics.Record("poison", errors.New("bad json"))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queues", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report StatusReport
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, []QueueStatus{
		{Queue: "tft_matches", Pending: 3, DeadLetters: 0},
		{Queue: "zingers", Pending: 1, DeadLetters: 2},
	}, report.Queues)
	require.Len(t, report.PoisonQueue, 1)
	assert.EqualValues(t, 1, report.PoisonQueue[0].Count)
}

func TestStatusAPIQueuesWithoutIntrospection(t *testing.T) {
	svc, _ := newStatusService(t, &testSubscriber{})
	report := svc.QueueReport()
	for _, q := range report.Queues {
		assert.EqualValues(t, -1, q.Pending)
		assert.EqualValues(t, -1, q.DeadLetters)
	}
}

func TestStatusAPIHealthzAndMethods(t *testing.T) {
	_, mux := newStatusService(t, &testSubscriber{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/queues", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPoisonMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewPoisonMetrics(reg)
	require.NoError(t, first.Register())
	second := NewPoisonMetrics(reg)
	require.NoError(t, second.Register())

	first.Record("poison", nil)
	second.Record("poison", nil)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.EqualValues(t, 2, families[0].GetMetric()[0].GetCounter().GetValue())
}
