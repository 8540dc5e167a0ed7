package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
  <title>MedWire</title>
  <item>
    <title>New diabetes drug approved</title>
    <link>https://medwire.example.com/articles/1</link>
    <description>Short description</description>
    <dc:creator>Jane Roe</dc:creator>
    <pubDate>Mon, 24 Aug 2026 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Old trial results</title>
    <link>https://medwire.example.com/articles/2</link>
    <description>Older piece</description>
    <pubDate>Mon, 10 Aug 2026 10:00:00 GMT</pubDate>
  </item>
</channel>
</rss>`

func TestFeedAdapterFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Medscan/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, testFeed)
	}))
	defer ts.Close()

	a := NewFeedAdapter("medwire", ts.URL, 0.9, 5*time.Second)
	assert.Equal(t, "medwire", a.Name())

	docs, err := a.Fetch(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "medwire", docs[0].Source)
	assert.Equal(t, "New diabetes drug approved", docs[0].Title)
	assert.Equal(t, "https://medwire.example.com/articles/1", docs[0].URL)
	assert.Equal(t, "Short description", docs[0].Body, "description used when content is empty")
	assert.Equal(t, "Jane Roe", docs[0].Author)
	assert.Equal(t, 2026, docs[0].Published.Year())
	assert.InDelta(t, 0.9, docs[0].Credibility, 0.001, "source credibility stamped on every document")
}

func TestFeedAdapterSinceFilter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, testFeed)
	}))
	defer ts.Close()

	a := NewFeedAdapter("medwire", ts.URL, 0.9, 5*time.Second)

	since := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	docs, err := a.Fetch(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, docs, 1, "items published before since are dropped")
	assert.Equal(t, "New diabetes drug approved", docs[0].Title)
}

func TestFeedAdapterErrors(t *testing.T) {
	t.Run("404 is permanent", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()

		a := NewFeedAdapter("medwire", ts.URL, 0.9, 5*time.Second)
		_, err := a.Fetch(context.Background(), time.Time{})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.False(t, IsTransient(err))
	})

	t.Run("500 is transient", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		a := NewFeedAdapter("medwire", ts.URL, 0.9, 5*time.Second)
		_, err := a.Fetch(context.Background(), time.Time{})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("429 is transient", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer ts.Close()

		a := NewFeedAdapter("medwire", ts.URL, 0.9, 5*time.Second)
		_, err := a.Fetch(context.Background(), time.Time{})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("garbage body is permanent", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "this is not a feed")
		}))
		defer ts.Close()

		a := NewFeedAdapter("medwire", ts.URL, 0.9, 5*time.Second)
		_, err := a.Fetch(context.Background(), time.Time{})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})

	t.Run("connection refused is transient", func(t *testing.T) {
		a := NewFeedAdapter("medwire", "http://127.0.0.1:1", 0.9, time.Second)
		_, err := a.Fetch(context.Background(), time.Time{})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})
}

func TestNewAdapterRegistry(t *testing.T) {
	feed, err := New(cfgSource("s1", "feed", "https://example.com/rss"), time.Second)
	require.NoError(t, err)
	assert.IsType(t, &FeedAdapter{}, feed)

	html, err := New(cfgSource("s2", "html", "https://example.com"), time.Second)
	require.NoError(t, err)
	assert.IsType(t, &HTMLAdapter{}, html)

	_, err = New(cfgSource("s3", "carrier-pigeon", "https://example.com"), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source kind")
}
