package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSystemList(t *testing.T) {
	in := "http://x/a.iso, Windows 11 Pro, Win11\n#comment\n\nhttp://x/b.iso, Windows 10 Home"

	got := ParseSystemList(in)

	require.Len(t, got, 2)
	assert.Equal(t, SystemImage{URL: "http://x/a.iso", DisplayName: "Windows 11 Pro", IsWin11: true}, got[0])
	assert.Equal(t, "http://x/b.iso", got[1].URL)
	assert.False(t, got[1].IsWin11)
}

func TestParseSystemListTolerance(t *testing.T) {
	in := `
only-one-field
, missing url
http://x/c.iso,Windows 11 LTSC
http://x/d.iso,Custom build,WIN11
http://x/e.iso,Windows 11 lookalike,Win10
http://x/f.iso,Windows 11 untagged,
`
	got := ParseSystemList(in)

	require.Len(t, got, 4)
	assert.True(t, got[0].IsWin11, "name containing 11 without tag")
	assert.True(t, got[1].IsWin11, "tag compared case-insensitively")
	assert.False(t, got[2].IsWin11, "explicit tag wins over name")
	assert.False(t, got[3].IsWin11, "an empty tag is still a tag")
}

func TestParseEnvironmentList(t *testing.T) {
	in := "http://x/pe/boot.wim,Standard PE\nhttp://x/pe/,Bare PE\nhttp://x/a.wim,Named,custom.wim\n# skip\nbroken"

	got := ParseEnvironmentList(in)

	require.Len(t, got, 3)
	assert.Equal(t, "boot.wim", got[0].Filename)
	assert.Equal(t, "pe", got[1].Filename)
	assert.Equal(t, "custom.wim", got[2].Filename)
}

func TestFilenameFromURLFallback(t *testing.T) {
	assert.Equal(t, DefaultEnvironmentFile, FilenameFromURL("http://x/", DefaultEnvironmentFile))
	assert.Equal(t, "a.wim", FilenameFromURL("http://x/dir/a.wim?sig=1", DefaultEnvironmentFile))
}

func TestParseSoftwareList(t *testing.T) {
	in := `{"software":[
		{"name":"7-Zip","description":"archiver","update_date":"2024-01-01","file_size":"1MB",
		 "download_url":"http://x/7z.exe","download_url_x86":"http://x/7z32.exe","filename":"7z.exe"},
		{"name":"no url","filename":"a.exe"},
		{"name":42},
		{"name":"Legacy","download_url":"http://x/l.exe","download_url_nt5":"http://x/l5.exe","filename":"l.exe","icon_url":"http://x/l.png"}
	]}`

	got := ParseSoftwareList(in)

	require.Len(t, got, 2)
	assert.Equal(t, "7-Zip", got[0].Name)
	assert.Equal(t, "http://x/7z32.exe", got[0].DownloadURLFor("386", false))
	assert.Equal(t, "http://x/7z.exe", got[0].DownloadURLFor("amd64", true))
	assert.Equal(t, "http://x/l5.exe", got[1].DownloadURLFor("amd64", true))
	assert.Equal(t, "http://x/l.png", got[1].IconURL)
}

func TestParseSoftwareListInvalidDocument(t *testing.T) {
	assert.Empty(t, ParseSoftwareList("not json"))
}

type stubFetcher struct {
	mu      sync.Mutex
	bodies  map[string]string
	calls   int
	release chan struct{}
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.release != nil {
		<-s.release
	}
	body, ok := s.bodies[url]
	if !ok {
		return "", fmt.Errorf("404 for %s", url)
	}
	return body, nil
}

func waitResult(t *testing.T, l *Loader) RemoteConfig {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rc, ok := l.Poll(); ok {
			return rc
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("loader never delivered a result")
	return RemoteConfig{}
}

func TestLoaderDuplicateStartGuard(t *testing.T) {
	f := &stubFetcher{
		bodies:  map[string]string{"sys": "http://x/a.iso,Win 11"},
		release: make(chan struct{}),
	}
	l := NewLoader(f, Sources{SystemsURL: "sys"}, time.Second)

	require.True(t, l.Start())
	assert.False(t, l.Start(), "second start while loading must be ignored")
	assert.True(t, l.Loading())

	_, ok := l.Poll()
	assert.False(t, ok, "poll must not block while the fetch is in flight")

	close(f.release)
	rc := waitResult(t, l)
	assert.True(t, rc.Loaded)
	assert.Len(t, rc.Catalog.Systems, 1)
	assert.False(t, l.Loading())
	assert.Equal(t, 1, f.calls)

	_, ok = l.Poll()
	assert.False(t, ok, "result is delivered once")
}

func TestLoaderPartialFailureStillLoaded(t *testing.T) {
	f := &stubFetcher{bodies: map[string]string{"pe": "# nothing usable\n"}}
	l := NewLoader(f, Sources{SystemsURL: "sys", EnvironmentsURL: "pe"}, time.Second)

	l.Start()
	rc := waitResult(t, l)

	assert.True(t, rc.Loaded, "a fetched catalog counts even with zero entries")
	assert.Empty(t, rc.Catalog.Environments)
	assert.Contains(t, rc.Error, "systems")
	assert.Equal(t, []string{"systems"}, rc.Failed)
}

func TestLoaderTotalFailure(t *testing.T) {
	l := NewLoader(&stubFetcher{}, Sources{SystemsURL: "sys"}, time.Second)

	l.Start()
	rc := waitResult(t, l)

	assert.False(t, rc.Loaded)
	assert.NotEmpty(t, rc.Error)
	assert.True(t, l.Start(), "the consumer may re-trigger after a failure")
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "http://x/a.iso,Windows 10")
	}))
	defer srv.Close()

	body, err := HTTPFetcher{}.Fetch(context.Background(), srv.URL+"/list.txt")
	require.NoError(t, err)
	assert.Len(t, ParseSystemList(body), 1)

	_, err = HTTPFetcher{}.Fetch(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestIconLoader(t *testing.T) {
	f := &stubFetcher{bodies: map[string]string{"icon-a": "PNG"}}
	l := NewIconLoader(f, time.Second)

	assert.True(t, l.Request("icon-a"))
	assert.False(t, l.Request("icon-a"), "duplicate request ignored")
	assert.True(t, l.Request("icon-b"))

	deadline := time.Now().Add(2 * time.Second)
	for l.InFlight() > 0 && time.Now().Before(deadline) {
		l.Poll()
		time.Sleep(time.Millisecond)
	}

	a, _ := l.Get("icon-a")
	b, _ := l.Get("icon-b")
	assert.Equal(t, IconLoaded, a.Status)
	assert.Equal(t, []byte("PNG"), a.Data)
	assert.Equal(t, IconFailed, b.Status)
}
