package ingest

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
)

const (
	userAgent = "BioGraph/1.0 (evidence loader)"

	maxArticleBytes = 4 << 20
	minArticleRunes = 100
)

// StatusError is a non-2xx response from an article host. The ingester
// stops fetching from a host after one.
type StatusError struct {
	Host string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s answered %d %s", e.Host, e.Code, http.StatusText(e.Code))
}

// ArticleReader downloads article pages and extracts their main text for
// longer excerpts.
type ArticleReader struct {
	client *http.Client
}

// NewArticleReader creates a reader with a per-request timeout (15s when
// zero).
func NewArticleReader(timeout time.Duration) *ArticleReader {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ArticleReader{client: &http.Client{Timeout: timeout}}
}

// Text returns the readable body of the page at locator. Pages that are not
// HTML, or whose extracted body is too short to beat the feed summary,
// yield "".
func (a *ArticleReader) Text(ctx context.Context, locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Host: u.Hostname(), Code: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, _ := mime.ParseMediaType(ct); mt != "text/html" && mt != "application/xhtml+xml" {
			return "", nil
		}
	}

	page, err := readability.FromReader(io.LimitReader(resp.Body, maxArticleBytes), u)
	if err != nil {
		return "", nil
	}
	text := strings.Join(strings.Fields(page.TextContent), " ")
	if utf8.RuneCountInString(text) < minArticleRunes {
		return "", nil
	}
	return text, nil
}
