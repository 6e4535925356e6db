package client

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchFrameReturnsBody(t *testing.T) {
	payload := []byte{0xFF, 0xD8, 0x00, 0x01, 0xFF, 0xD9}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	c := New(Auth{})
	body, err := c.FetchFrame(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}

func TestFetchFrameFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Auth{})
	_, err := c.FetchFrame(srv.URL)
	assert.Error(t, err)
}

func TestFetchFrameSendsCredentials(t *testing.T) {
	var gotAuth, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if c, err := r.Cookie("sid"); err == nil {
			gotCookie = c.Value
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(Auth{Token: "Bearer tok", Cookie: "sid=abc123"})
	_, err := c.FetchFrame(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "abc123", gotCookie)
}

func TestParseCookie(t *testing.T) {
	name, value := parseCookie("sid=abc123")
	assert.Equal(t, "sid", name)
	assert.Equal(t, "abc123", value)

	name, value = parseCookie("opaquevalue")
	assert.Equal(t, "session", name)
	assert.Equal(t, "opaquevalue", value)

	name, value = parseCookie("")
	assert.Empty(t, name)
	assert.Empty(t, value)
}
