package download

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/security"
	"github.com/letrecovery/recoverykit/pkg/storage"
)

// HTTPSource fetches http and https URLs.
func HTTPSource(client *http.Client) Source {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, rawURL string, w io.Writer, onSize func(int64)) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return errors.Wrap(err, "invalid request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrap(err, "request failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected response: %s", resp.Status)
			if clientError(resp.StatusCode) {
				return Permanent(err)
			}
			return err
		}
		if resp.ContentLength > 0 {
			onSize(resp.ContentLength)
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return errors.Wrap(err, "transfer interrupted")
		}
		return nil
	}
}

// clientError reports a 4xx the server will keep returning. Timeouts and
// rate limits are worth another attempt.
func clientError(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}

// S3Source fetches s3://bucket/key URLs through the storage client.
func S3Source(client *storage.Client) Source {
	return func(ctx context.Context, rawURL string, w io.Writer, onSize func(int64)) error {
		_, err := client.Download(ctx, rawURL, w, onSize)
		return err
	}
}

// NewDefaultManager builds a transport with the http and https sources, plus
// s3 when s3Client is non-nil.
func NewDefaultManager(httpClient *http.Client, s3Client *storage.Client, validator *security.Validator) *Manager {
	m := NewManager(validator)
	src := HTTPSource(httpClient)
	m.Register("http", src)
	m.Register("https", src)
	if s3Client != nil {
		m.Register("s3", S3Source(s3Client))
	}
	return m
}
