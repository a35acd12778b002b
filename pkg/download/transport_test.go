package download

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/letrecovery/recoverykit/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitState(t *testing.T, m *Manager, gid string) Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Poll(gid)
		require.NoError(t, err)
		if st.State != StateActive {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("transfer never finished")
	return Status{}
}

func TestManagerHTTPDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 4096))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := NewDefaultManager(srv.Client(), nil, security.NewValidator(0, dir))

	dest := filepath.Join(dir, "pe.wim")
	gid, err := m.Start(context.Background(), srv.URL+"/pe.wim", dest)
	require.NoError(t, err)
	require.NotEmpty(t, gid)

	st := waitState(t, m, gid)
	assert.Equal(t, StateComplete, st.State)
	assert.Equal(t, 100.0, st.Percent)
	assert.Len(t, st.SHA256, 64)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size())
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err), "partial file must be renamed away")
}

func TestManagerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	m := NewDefaultManager(srv.Client(), nil, nil)

	gid, err := m.Start(context.Background(), srv.URL+"/missing", filepath.Join(dir, "a.iso"))
	require.NoError(t, err)

	st := waitState(t, m, gid)
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Err, "404")
	assert.True(t, st.Permanent, "a 404 will not change on retry")
}

func TestManagerServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewDefaultManager(srv.Client(), nil, nil)
	gid, err := m.Start(context.Background(), srv.URL+"/a.iso", filepath.Join(t.TempDir(), "a.iso"))
	require.NoError(t, err)

	st := waitState(t, m, gid)
	assert.Equal(t, StateError, st.State)
	assert.False(t, st.Permanent)
}

func TestClientError(t *testing.T) {
	assert.True(t, clientError(http.StatusNotFound))
	assert.True(t, clientError(http.StatusForbidden))
	assert.False(t, clientError(http.StatusTooManyRequests))
	assert.False(t, clientError(http.StatusRequestTimeout))
	assert.False(t, clientError(http.StatusBadGateway))
}

func TestManagerCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := NewManager(nil)
	m.Register("test", func(ctx context.Context, rawURL string, w io.Writer, onSize func(int64)) error {
		onSize(100)
		w.Write(make([]byte, 10))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	})

	dir := t.TempDir()
	gid, err := m.Start(context.Background(), "test://image", filepath.Join(dir, "a.wim"))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(gid))
	st := waitState(t, m, gid)
	assert.Equal(t, StateRemoved, st.State)

	_, err = os.Stat(filepath.Join(dir, "a.wim.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestManagerRejectsOutsideDestination(t *testing.T) {
	dir := t.TempDir()
	m := NewDefaultManager(nil, nil, security.NewValidator(0, dir))

	_, err := m.Start(context.Background(), "http://example.invalid/a.wim", filepath.Join(dir, "..", "a.wim"))
	assert.Error(t, err)
}

func TestManagerUnknownScheme(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Start(context.Background(), "ftp://x/a.wim", filepath.Join(t.TempDir(), "a.wim"))
	assert.Error(t, err)

	_, err = m.Poll("nope")
	assert.Error(t, err)
}

func TestManagerSizeLimit(t *testing.T) {
	m := NewManager(security.NewValidator(10))
	m.Register("test", func(ctx context.Context, rawURL string, w io.Writer, onSize func(int64)) error {
		onSize(1000)
		<-ctx.Done()
		return ctx.Err()
	})

	gid, err := m.Start(context.Background(), "test://big", filepath.Join(t.TempDir(), "big.wim"))
	require.NoError(t, err)

	st := waitState(t, m, gid)
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Err, "exceeds")
	assert.True(t, st.Permanent)
}
