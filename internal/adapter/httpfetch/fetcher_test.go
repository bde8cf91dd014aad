package httpfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
)

func newTestServer(t *testing.T) (*httptest.Server, *sync.Map) {
	t.Helper()
	agents := &sync.Map{}
	mux := http.NewServeMux()
	mux.HandleFunc("/bikes/monster", func(w http.ResponseWriter, r *http.Request) {
		agents.Store(r.UserAgent(), true)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body>
<a href="/bikes/monster/specs">Specs</a>
<a href="gallery#top">Gallery</a>
<a href="https://elsewhere.org/x">External</a>
<a href="/login" rel="nofollow">Login</a>
<a href="mailto:info@acme.com">Mail</a>
</body></html>`))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	mux.HandleFunc("/press/kit.png", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	mux.HandleFunc("/img.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, agents
}

func TestFetchReturnsContentAndInternalLinks(t *testing.T) {
	srv, agents := newTestServer(t)
	f, err := New(Options{UserAgents: []string{"catalogbot/1.0"}}, nil)
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), srv.URL+"/bikes/monster")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.ContentType, "text/html")
	assert.Contains(t, string(res.Content), "Specs")
	assert.Equal(t, []string{srv.URL + "/bikes/monster/specs", srv.URL + "/bikes/gallery"}, res.Links)

	_, ok := agents.Load("catalogbot/1.0")
	assert.True(t, ok)
}

func TestFetchNon2xxIsAResult(t *testing.T) {
	srv, _ := newTestServer(t)
	f, err := New(Options{}, nil)
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), srv.URL+"/gone")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Empty(t, res.Links)
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	srv, _ := newTestServer(t)
	f, err := New(Options{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, srv.URL+"/slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrCrawlTimeout)
	assert.True(t, entity.IsTransient(err))
}

func TestFetchBodyLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	f, err := New(Options{MaxBodyBytes: 1024}, nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), srv.URL+"/big")
	assert.ErrorIs(t, err, repository.ErrExtractionFailed)
}

func TestFetchUnreachableHost(t *testing.T) {
	f, err := New(Options{Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "http://127.0.0.1:1/")
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrNavigationFailed)
	var fe *entity.FetchError
	assert.True(t, errors.As(err, &fe))
	assert.True(t, entity.IsTransient(err))
}

func TestFetchDroppedConnectionIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	f, err := New(Options{Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), srv.URL+"/bikes")
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrNavigationFailed)
	assert.False(t, entity.IsPermanent(err))
	assert.True(t, entity.IsTransient(err))
}

func TestFetchAsset(t *testing.T) {
	srv, _ := newTestServer(t)
	f, err := New(Options{}, nil)
	require.NoError(t, err)

	data, ct, err := f.FetchAsset(context.Background(), srv.URL+"/img.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, []byte("\x89PNG fake"), data)

	_, _, err = f.FetchAsset(context.Background(), srv.URL+"/gone")
	var fe *entity.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.NotErrorIs(t, err, repository.ErrContentRestricted)
}

func TestFetchAssetForbiddenIsRestricted(t *testing.T) {
	srv, _ := newTestServer(t)
	f, err := New(Options{}, nil)
	require.NoError(t, err)

	_, _, err = f.FetchAsset(context.Background(), srv.URL+"/press/kit.png")
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrContentRestricted)
	assert.True(t, entity.IsPermanent(err))
}

func TestRotator(t *testing.T) {
	r, err := NewRotator([]string{"http://p1:8000", " ", "http://user:pass@p2:8000"}, nil)
	require.NoError(t, err)

	var got []string
	for range 3 {
		p, err := r.Proxy(nil)
		require.NoError(t, err)
		got = append(got, p.Host)
	}
	assert.Equal(t, []string{"p1:8000", "p2:8000", "p1:8000"}, got)
	assert.Contains(t, DefaultUserAgents, r.UserAgent())

	none, err := NewRotator(nil, []string{"a"})
	require.NoError(t, err)
	p, err := none.Proxy(nil)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, "a", none.UserAgent())

	_, err = NewRotator([]string{"::not a url"}, nil)
	assert.Error(t, err)
}

func TestExtractLinksSameSite(t *testing.T) {
	links := ExtractLinks("https://www.acme.com/en/", []byte(`
<a href="https://ca.acme.com/fr/">CA</a>
<a href="/en/bikes/">Bikes</a>
<a href="/en/bikes">Bikes again</a>
<a href="https://acme.co.uk/">UK</a>`))
	assert.Equal(t, []string{"https://ca.acme.com/fr", "https://www.acme.com/en/bikes"}, links)
	_, err := url.Parse(links[0])
	assert.NoError(t, err)
}
