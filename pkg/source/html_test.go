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

	"github.com/medscan/medscan/pkg/config"
)

func cfgSource(name, kind, url string) config.Source {
	return config.Source{Name: name, Kind: kind, URL: url}
}

const articlePage = `<!DOCTYPE html>
<html>
<head><title>New gene therapy shows promise</title></head>
<body>
<article>
<h1>New gene therapy shows promise</h1>
<p>Researchers reported durable responses in a phase 2 trial of a gene therapy
for sickle cell disease. The treatment corrected the faulty gene in a majority
of participants, with effects holding for over a year of follow up.</p>
<p>Investigators cautioned that longer observation is needed before regulatory
submission, but called the interim data encouraging for patients with limited
options today.</p>
</article>
</body>
</html>`

func TestHTMLAdapterFetch(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `<html><body>
			<h2><a href="/articles/gene-therapy">Gene therapy</a></h2>
			<h2><a href="/articles/gene-therapy">Gene therapy repeat</a></h2>
			<a href="/about">About us</a>
			<a href="mailto:tips@example.com">Tips</a>
		</body></html>`)
	})
	mux.HandleFunc("/articles/gene-therapy", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articlePage)
	})

	a := NewHTMLAdapter("healthsite", ts.URL, 0.7, 5*time.Second)
	assert.Equal(t, "healthsite", a.Name())

	docs, err := a.Fetch(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, docs, 1, "duplicate and non-article links are dropped")

	assert.Equal(t, "healthsite", docs[0].Source)
	assert.Equal(t, ts.URL+"/articles/gene-therapy", docs[0].URL)
	assert.Contains(t, docs[0].Title, "gene therapy")
	assert.Contains(t, docs[0].Body, "sickle cell disease")
}

func TestHTMLAdapterSkipsBrokenPages(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprintf(w, `<html><body>
				<h2><a href="/articles/good">Good</a></h2>
				<h2><a href="/articles/broken">Broken</a></h2>
			</body></html>`)
		case "/articles/good":
			fmt.Fprint(w, articlePage)
		case "/articles/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	a := NewHTMLAdapter("healthsite", ts.URL, 0.7, 5*time.Second)
	docs, err := a.Fetch(context.Background(), time.Time{})
	require.NoError(t, err, "one broken page never fails the sweep")
	require.Len(t, docs, 1)
	assert.Equal(t, ts.URL+"/articles/good", docs[0].URL)
}

func TestHTMLAdapterListingUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	a := NewHTMLAdapter("healthsite", ts.URL, 0.7, 5*time.Second)
	_, err := a.Fetch(context.Background(), time.Time{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestIsArticleURL(t *testing.T) {
	a := NewHTMLAdapter("healthsite", "https://healthsite.example.com", 0.7, time.Second)

	tests := []struct {
		link string
		want bool
	}{
		{"https://healthsite.example.com/articles/abc", true},
		{"https://healthsite.example.com/news/today", true},
		{"https://healthsite.example.com/articles", false},
		{"https://healthsite.example.com/news/", false},
		{"https://healthsite.example.com/about", false},
		{"https://other.example.com/articles/abc", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.isArticleURL(tt.link), "link %s", tt.link)
	}
}

func TestAbsoluteURL(t *testing.T) {
	a := NewHTMLAdapter("healthsite", "https://healthsite.example.com", 0.7, time.Second)

	assert.Equal(t, "https://healthsite.example.com/articles/x", a.absoluteURL("/articles/x"))
	assert.Equal(t, "https://other.example.com/y", a.absoluteURL("https://other.example.com/y"))
	assert.Empty(t, a.absoluteURL("mailto:tips@example.com"))
	assert.Empty(t, a.absoluteURL("javascript:void(0)"))
}
