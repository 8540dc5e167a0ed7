package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medscan/medscan/pkg/domain"
	"github.com/medscan/medscan/pkg/repository"
)

// stubStorage backs handler tests with canned data
type stubStorage struct {
	pingErr     error
	articles    []*domain.Article
	article     *domain.Article
	enrichments map[string]*domain.EnrichmentResult
	job         *domain.PipelineJob
	events      []*domain.AlertEvent
	letters     []*domain.DeadLetter
	depth       int

	gotFilter repository.ArticleFilter
}

func (s *stubStorage) Ping(context.Context) error { return s.pingErr }

func (s *stubStorage) ListArticles(_ context.Context, filter repository.ArticleFilter) ([]*domain.Article, error) {
	s.gotFilter = filter
	return s.articles, nil
}

func (s *stubStorage) GetArticle(context.Context, string) (*domain.Article, error) {
	return s.article, nil
}

func (s *stubStorage) GetEnrichments(context.Context, string) (map[string]*domain.EnrichmentResult, error) {
	return s.enrichments, nil
}

func (s *stubStorage) GetJob(context.Context, string) (*domain.PipelineJob, error) {
	return s.job, nil
}

func (s *stubStorage) ListAlertEvents(context.Context, int) ([]*domain.AlertEvent, error) {
	return s.events, nil
}

func (s *stubStorage) ListDeadLetters(context.Context, int) ([]*domain.DeadLetter, error) {
	return s.letters, nil
}

func (s *stubStorage) QueueDepth(context.Context) (int, error) { return s.depth, nil }

// stubRedeliverer records redelivery requests
type stubRedeliverer struct {
	ids []string
	err error
}

func (r *stubRedeliverer) Redeliver(_ context.Context, id string) error {
	r.ids = append(r.ids, id)
	return r.err
}

type stubConfig struct{}

func (stubConfig) GetServerConfig() (string, time.Duration) { return ":0", 30 * time.Second }

func newTestServer(store Storage, redeliver Redeliverer) *httptest.Server {
	s := New(stubConfig{}, store, redeliver, "test", false)
	return httptest.NewServer(s.router)
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test server URL
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusHandler(t *testing.T) {
	store := &stubStorage{depth: 7}
	ts := newTestServer(store, &stubRedeliverer{})
	defer ts.Close()

	var body map[string]interface{}
	code := getJSON(t, ts.URL+"/api/v1/status", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.InDelta(t, 7, body["queue_depth"], 0.1)
}

func TestStatusHandlerDegraded(t *testing.T) {
	store := &stubStorage{pingErr: errors.New("db down")}
	ts := newTestServer(store, &stubRedeliverer{})
	defer ts.Close()

	var body map[string]interface{}
	code := getJSON(t, ts.URL+"/api/v1/status", &body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestListArticlesHandler(t *testing.T) {
	store := &stubStorage{articles: []*domain.Article{
		{Fingerprint: "fp1", Source: "medwire", Title: "one"},
		{Fingerprint: "fp2", Source: "medwire", Title: "two"},
	}}
	ts := newTestServer(store, &stubRedeliverer{})
	defer ts.Close()

	var body struct {
		Articles []map[string]interface{} `json:"articles"`
		Count    int                      `json:"count"`
	}
	code := getJSON(t, ts.URL+"/api/v1/articles?source=medwire&status=enriched&min_credibility=0.7&limit=5", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, body.Count)

	assert.Equal(t, "medwire", store.gotFilter.Source)
	assert.Equal(t, "enriched", store.gotFilter.Status)
	assert.InDelta(t, 0.7, store.gotFilter.MinCredibility, 0.001)
	assert.Equal(t, 5, store.gotFilter.Limit)
}

func TestListArticlesDefaultLimit(t *testing.T) {
	store := &stubStorage{}
	ts := newTestServer(store, &stubRedeliverer{})
	defer ts.Close()

	code := getJSON(t, ts.URL+"/api/v1/articles", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 50, store.gotFilter.Limit)
}

func TestGetArticleHandler(t *testing.T) {
	store := &stubStorage{
		article: &domain.Article{Fingerprint: "fp1", Title: "one"},
		enrichments: map[string]*domain.EnrichmentResult{
			domain.StageSummary: {Stage: domain.StageSummary, Summary: "sum"},
		},
		job: &domain.PipelineJob{Fingerprint: "fp1", State: domain.JobCompleted},
	}
	ts := newTestServer(store, &stubRedeliverer{})
	defer ts.Close()

	var body map[string]interface{}
	code := getJSON(t, ts.URL+"/api/v1/articles/fp1", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "article")
	assert.Contains(t, body, "enrichments")
	assert.Contains(t, body, "job")
}

func TestGetArticleNotFound(t *testing.T) {
	ts := newTestServer(&stubStorage{}, &stubRedeliverer{})
	defer ts.Close()

	var body map[string]string
	code := getJSON(t, ts.URL+"/api/v1/articles/ghost", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "not found")
}

func TestListAlertsHandler(t *testing.T) {
	store := &stubStorage{events: []*domain.AlertEvent{{ID: "evt-1", RuleID: "recalls"}}}
	ts := newTestServer(store, &stubRedeliverer{})
	defer ts.Close()

	var body struct {
		Count int `json:"count"`
	}
	code := getJSON(t, ts.URL+"/api/v1/alerts", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, body.Count)
}

func TestRedeliverHandler(t *testing.T) {
	redeliver := &stubRedeliverer{}
	ts := newTestServer(&stubStorage{}, redeliver)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/dead-letters/dl-1/redeliver", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"dl-1"}, redeliver.ids)
}

func TestRedeliverHandlerFailure(t *testing.T) {
	redeliver := &stubRedeliverer{err: errors.New("already redelivered")}
	ts := newTestServer(&stubStorage{}, redeliver)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/dead-letters/dl-1/redeliver", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPingMiddleware(t *testing.T) {
	ts := newTestServer(&stubStorage{}, &stubRedeliverer{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
