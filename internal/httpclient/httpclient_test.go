package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hook0/dispatch-engine/internal/model"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	return New(Options{
		Timeout:              2 * time.Second,
		ResponseBodyCapBytes: 64,
		Concurrency:          4,
		AllowPlainHTTP:       true,
	})
}

func TestDeliver_Success2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newClient(t)
	resp := c.Deliver(t.Context(), uuid.New(), model.HTTPTarget{Method: model.MethodPOST, URL: srv.URL}, nil, []byte(`{}`))

	require.Nil(t, resp.ErrorKind)
	require.NotNil(t, resp.HTTPCode)
	assert.Equal(t, 200, *resp.HTTPCode)
	assert.True(t, resp.Success())
}

func TestDeliver_ServerErrorIsNotSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newClient(t)
	resp := c.Deliver(t.Context(), uuid.New(), model.HTTPTarget{Method: model.MethodPOST, URL: srv.URL}, nil, []byte(`{}`))

	require.NotNil(t, resp.HTTPCode)
	assert.Equal(t, 500, *resp.HTTPCode)
	assert.False(t, resp.Success())
}

func TestDeliver_RedirectNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/somewhere-else", http.StatusFound)
	}))
	defer srv.Close()

	c := newClient(t)
	resp := c.Deliver(t.Context(), uuid.New(), model.HTTPTarget{Method: model.MethodPOST, URL: srv.URL}, nil, []byte(`{}`))

	require.NotNil(t, resp.HTTPCode)
	assert.Equal(t, 302, *resp.HTTPCode)
}

func TestDeliver_ResponseBodyTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 200))
	}))
	defer srv.Close()

	c := newClient(t)
	resp := c.Deliver(t.Context(), uuid.New(), model.HTTPTarget{Method: model.MethodPOST, URL: srv.URL}, nil, []byte(`{}`))

	require.NotNil(t, resp.ErrorKind)
	assert.Equal(t, model.ErrTooLargeResponse, *resp.ErrorKind)
	assert.Len(t, resp.Body, 64)
}

func TestDeliver_UnsupportedScheme(t *testing.T) {
	c := newClient(t)
	resp := c.Deliver(t.Context(), uuid.New(), model.HTTPTarget{Method: model.MethodPOST, URL: "ftp://example.com"}, nil, []byte(`{}`))

	require.NotNil(t, resp.ErrorKind)
	assert.Equal(t, model.ErrUnsupportedScheme, *resp.ErrorKind)
}

func TestDeliver_PlainHTTPRejectedByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{Timeout: 2 * time.Second, ResponseBodyCapBytes: 64, Concurrency: 4, AllowPlainHTTP: false})
	resp := c.Deliver(t.Context(), uuid.New(), model.HTTPTarget{Method: model.MethodPOST, URL: srv.URL}, nil, []byte(`{}`))

	require.NotNil(t, resp.ErrorKind)
	assert.Equal(t, model.ErrUnsupportedScheme, *resp.ErrorKind)
}
