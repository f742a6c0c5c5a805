package checks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pageparity/pageparity/internal/record"
)

func TestProbeBothSides200(t *testing.T) {
	t.Parallel()

	oldSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("nocache"))
		w.Write([]byte(`<html lang="en"><head><title>Old Page</title>
			<meta name="description" content="legacy description">
			<script src="/etc/clientlibs/foundation-base.js"></script>
			</head><body>ok</body></html>`))
	}))
	defer oldSrv.Close()

	newSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html><head><title>New Page</title></head>
			<body><script src="/c-resources/_next/main.js"></script></body></html>`))
	}))
	defer newSrv.Close()

	p := NewProber(ProberConfig{Timeout: 5 * time.Second})
	probe, oldMeta, newMeta := p.Probe(context.Background(), oldSrv.URL, newSrv.URL)

	require.True(t, probe.ShouldContinue)
	require.Equal(t, http.StatusOK, probe.Old.Status)
	require.Equal(t, "OK", probe.Old.StatusText)
	require.Equal(t, "AEM", probe.Old.Platform)
	require.Equal(t, "ContentStack", probe.New.Platform)
	require.GreaterOrEqual(t, probe.Old.DurationMS, int64(0))

	require.NotNil(t, oldMeta)
	require.Equal(t, "Old Page", oldMeta.Title)
	require.Equal(t, "legacy description", oldMeta.Description)
	require.Equal(t, "en", oldMeta.Lang)
	require.NotNil(t, newMeta)
	require.Equal(t, "New Page", newMeta.Title)
}

func TestProbeDoesNotFollowRedirects(t *testing.T) {
	t.Parallel()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("final"))
	}))
	defer target.Close()

	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusMovedPermanently)
	}))
	defer redirecting.Close()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer ok.Close()

	p := NewProber(ProberConfig{Timeout: 5 * time.Second})
	probe, _, _ := p.Probe(context.Background(), redirecting.URL, ok.URL)

	require.False(t, probe.ShouldContinue)
	require.Equal(t, http.StatusMovedPermanently, probe.Old.Status)
	require.Equal(t, target.URL, probe.Old.RedirectLocation)
	require.Equal(t, http.StatusOK, probe.New.Status)
}

func TestProbeNetworkError(t *testing.T) {
	t.Parallel()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer ok.Close()

	p := NewProber(ProberConfig{Timeout: time.Second})
	probe, oldMeta, _ := p.Probe(context.Background(), "http://127.0.0.1:1/none", ok.URL)

	require.False(t, probe.ShouldContinue)
	require.Zero(t, probe.Old.Status)
	require.NotEmpty(t, probe.Old.Error)
	require.Nil(t, oldMeta)
}

func TestAbortMessage(t *testing.T) {
	t.Parallel()

	probe := record.ProbeResult{
		Old: record.ProbeSide{Status: 404, StatusText: "Not Found"},
		New: record.ProbeSide{Status: 200, StatusText: "OK"},
	}
	require.Equal(t, "pageDataCheck aborted: old=404 Not Found, new=200 OK", AbortMessage(probe))
}
