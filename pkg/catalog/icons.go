package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// IconStatus is the load state of one software icon.
type IconStatus int

const (
	IconLoading IconStatus = iota
	IconLoaded
	IconFailed
)

// Icon is a cached icon entry.
type Icon struct {
	Status IconStatus
	Data   []byte
	Err    string
}

type iconResult struct {
	url  string
	data []byte
	err  error
}

// IconLoader fetches software icons in the background, one worker per URL,
// and caches the outcome. Results are folded in by Poll on the caller's tick.
type IconLoader struct {
	fetcher Fetcher
	timeout time.Duration

	mu      sync.Mutex
	cache   map[string]Icon
	results chan iconResult
}

func NewIconLoader(fetcher Fetcher, timeout time.Duration) *IconLoader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &IconLoader{
		fetcher: fetcher,
		timeout: timeout,
		cache:   make(map[string]Icon),
		results: make(chan iconResult, 32),
	}
}

// Request starts a fetch unless the icon is cached or already loading.
func (l *IconLoader) Request(url string) bool {
	if url == "" {
		return false
	}
	l.mu.Lock()
	if _, ok := l.cache[url]; ok {
		l.mu.Unlock()
		return false
	}
	l.cache[url] = Icon{Status: IconLoading}
	l.mu.Unlock()

	go func() {
		res := iconResult{url: url}
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("icon fetch panic: %v", r)
			}
			l.results <- res
		}()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		body, err := l.fetcher.Fetch(ctx, url)
		res.data, res.err = []byte(body), err
	}()
	return true
}

// Poll folds finished fetches into the cache without blocking and returns how
// many completed.
func (l *IconLoader) Poll() int {
	n := 0
	for {
		select {
		case res := <-l.results:
			l.mu.Lock()
			if res.err != nil {
				log.Debug("icon_fetch_failed", "url", res.url, "error", res.err)
				l.cache[res.url] = Icon{Status: IconFailed, Err: res.err.Error()}
			} else {
				l.cache[res.url] = Icon{Status: IconLoaded, Data: res.data}
			}
			l.mu.Unlock()
			n++
		default:
			return n
		}
	}
}

// InFlight counts icons still loading.
func (l *IconLoader) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ic := range l.cache {
		if ic.Status == IconLoading {
			n++
		}
	}
	return n
}

// Get returns the cached icon for url.
func (l *IconLoader) Get(url string) (Icon, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ic, ok := l.cache[url]
	return ic, ok
}
