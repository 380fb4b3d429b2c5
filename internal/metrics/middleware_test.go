package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/cursors/{domain}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/process/{domain}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	beforeOK := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	beforeMissing := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "404"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/cursors/x.com", nil),
		httptest.NewRequest(http.MethodGet, "/v1/cursors/blog.org", nil),
		httptest.NewRequest(http.MethodPost, "/v1/process/unknown.net", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.InDelta(t, beforeOK+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0)
	assert.InDelta(t, beforeMissing+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "404")), 0)

	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
