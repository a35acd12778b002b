package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/letrecovery/recoverykit/pkg/errors"
)

// DefaultTimeout bounds each catalog request.
const DefaultTimeout = 10 * time.Second

// maxCatalogSize caps a catalog body; real catalogs are a few kilobytes.
const maxCatalogSize = 4 << 20

// Sources lists where each catalog lives. An empty URL disables that catalog.
type Sources struct {
	SystemsURL      string
	EnvironmentsURL string
	SoftwareURL     string
}

// Catalog is an immutable set of parsed lists, replaced wholesale on reload.
type Catalog struct {
	Systems      []SystemImage
	Environments []Environment
	Software     []Software
}

// RemoteConfig is the single message a load produces. Loaded is true when at
// least one catalog body was fetched, even if it parsed to zero entries.
type RemoteConfig struct {
	Loaded  bool
	Error   string
	Catalog *Catalog
	// Failed names the lists ("systems", "environments", "software") whose
	// fetch failed; their slices in Catalog are empty and not authoritative.
	Failed []string
}

// Fetcher retrieves a catalog body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// HTTPFetcher fetches catalogs over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "invalid catalog url")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "catalog request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("catalog request failed: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return "", errors.Wrap(err, "failed to read catalog")
	}
	return string(body), nil
}

// Loader runs one background fetch at a time and delivers its result once.
// It never retries on its own.
type Loader struct {
	fetcher Fetcher
	sources Sources
	timeout time.Duration

	mu      sync.Mutex
	loading bool
	result  chan RemoteConfig
}

// NewLoader creates a loader. A zero timeout means DefaultTimeout.
func NewLoader(fetcher Fetcher, sources Sources, timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Loader{fetcher: fetcher, sources: sources, timeout: timeout}
}

// Start spawns the fetch. It returns false without doing anything when a
// fetch is already in flight.
func (l *Loader) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loading {
		log.Debug("catalog_load_already_running")
		return false
	}
	l.loading = true
	ch := make(chan RemoteConfig, 1)
	l.result = ch

	log.Info("catalog_load_started", "systems_url", l.sources.SystemsURL)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- RemoteConfig{Error: fmt.Sprintf("catalog loader panic: %v", r)}
			}
		}()
		ch <- l.load()
	}()
	return true
}

// Loading reports whether a fetch is in flight.
func (l *Loader) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading
}

// Poll returns the result if it has arrived. It never blocks.
func (l *Loader) Poll() (RemoteConfig, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loading {
		return RemoteConfig{}, false
	}
	select {
	case rc := <-l.result:
		l.loading = false
		l.result = nil
		if rc.Loaded {
			log.Info("catalog_load_complete",
				"systems", len(rc.Catalog.Systems),
				"environments", len(rc.Catalog.Environments),
				"software", len(rc.Catalog.Software),
				"partial_error", rc.Error)
		} else {
			log.Warn("catalog_load_failed", "error", rc.Error)
		}
		return rc, true
	default:
		return RemoteConfig{}, false
	}
}

func (l *Loader) load() RemoteConfig {
	type job struct {
		name  string
		url   string
		body  string
		err   error
		fetch bool
	}
	jobs := []*job{
		{name: "systems", url: l.sources.SystemsURL},
		{name: "environments", url: l.sources.EnvironmentsURL},
		{name: "software", url: l.sources.SoftwareURL},
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.url == "" {
			continue
		}
		j.fetch = true
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
			defer cancel()
			j.body, j.err = l.fetcher.Fetch(ctx, j.url)
		}(j)
	}
	wg.Wait()

	cat := &Catalog{}
	var failures, failed []string
	fetched := 0
	for _, j := range jobs {
		if !j.fetch {
			continue
		}
		if j.err != nil {
			log.Warn("catalog_fetch_failed", "catalog", j.name, "url", j.url, "error", j.err)
			failures = append(failures, fmt.Sprintf("%s: %v", j.name, j.err))
			failed = append(failed, j.name)
			continue
		}
		fetched++
		switch j.name {
		case "systems":
			cat.Systems = ParseSystemList(j.body)
		case "environments":
			cat.Environments = ParseEnvironmentList(j.body)
		case "software":
			cat.Software = ParseSoftwareList(j.body)
		}
	}

	rc := RemoteConfig{Loaded: fetched > 0, Catalog: cat, Error: strings.Join(failures, "; "), Failed: failed}
	if fetched == 0 && rc.Error == "" {
		rc.Error = "no catalog sources configured"
	}
	return rc
}
