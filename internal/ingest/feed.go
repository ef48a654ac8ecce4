package ingest

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

const (
	maxItemsPerFeed = 50
	feedParallelism = 4
)

// Feed is one configured RSS/Atom source.
type Feed struct {
	URL  string
	Name string
}

// Label is the name items from this feed are counted under.
func (f Feed) Label() string {
	if f.Name != "" {
		return f.Name
	}
	host := hostOf(f.URL)
	if host == "" {
		return f.URL
	}
	return strings.TrimPrefix(host, "www.")
}

// Item is a news item ready to become evidence.
type Item struct {
	// Locator is the article link; it doubles as the evidence record id so
	// a story syndicated through two feeds is recorded once.
	Locator   string
	Title     string
	Published time.Time
	Summary   string
	Feed      string
}

// FeedError records a feed that could not be read.
type FeedError struct {
	Feed string
	Err  error
}

// Reader fetches and parses feeds.
type Reader struct {
	feeds []Feed
	log   *zap.Logger
}

// NewReader creates a reader for feeds.
func NewReader(feeds []Feed, log *zap.Logger) *Reader {
	return &Reader{feeds: feeds, log: log}
}

// Read fetches every feed concurrently and returns items published at or
// after cutoff (undated items are kept), in feed order with duplicate links
// dropped. Feeds that fail are reported, not fatal.
func (r *Reader) Read(ctx context.Context, cutoff time.Time) ([]Item, []FeedError) {
	perFeed := make([][]Item, len(r.feeds))
	var (
		mu     sync.Mutex
		failed []FeedError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(feedParallelism)
	for i, f := range r.feeds {
		g.Go(func() error {
			items, err := readFeed(gctx, f, cutoff)
			if err != nil {
				r.log.Warn("feed unreadable", zap.String("feed", f.URL), zap.Error(err))
				mu.Lock()
				failed = append(failed, FeedError{Feed: f.URL, Err: err})
				mu.Unlock()
				return nil
			}
			r.log.Debug("feed read", zap.String("feed", f.Label()), zap.Int("items", len(items)))
			perFeed[i] = items
			return nil
		})
	}
	_ = g.Wait()

	seen := map[string]bool{}
	var out []Item
	for _, items := range perFeed {
		for _, it := range items {
			if seen[it.Locator] {
				continue
			}
			seen[it.Locator] = true
			out = append(out, it)
		}
	}
	return out, failed
}

func readFeed(ctx context.Context, f Feed, cutoff time.Time) ([]Item, error) {
	parser := gofeed.NewParser()
	parser.UserAgent = userAgent
	parsed, err := parser.ParseURLWithContext(f.URL, ctx)
	if err != nil {
		return nil, err
	}

	label := f.Label()
	var items []Item
	for _, raw := range parsed.Items {
		if len(items) == maxItemsPerFeed {
			break
		}
		it, ok := toItem(raw, label)
		if !ok {
			continue
		}
		if !it.Published.IsZero() && it.Published.Before(cutoff) {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

func toItem(raw *gofeed.Item, label string) (Item, bool) {
	link := strings.TrimSpace(raw.Link)
	if link == "" {
		link = strings.TrimSpace(raw.GUID)
	}
	title := strings.TrimSpace(raw.Title)
	if link == "" || title == "" {
		return Item{}, false
	}
	it := Item{Locator: link, Title: title, Feed: label}
	switch {
	case raw.PublishedParsed != nil:
		it.Published = raw.PublishedParsed.UTC()
	case raw.UpdatedParsed != nil:
		it.Published = raw.UpdatedParsed.UTC()
	}
	body := raw.Description
	if body == "" {
		body = raw.Content
	}
	it.Summary = plainText(body)
	return it, true
}

// plainText flattens an HTML fragment to whitespace-normalized text.
func plainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	var words []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			words = append(words, strings.Fields(n.Data)...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.Join(words, " ")
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
