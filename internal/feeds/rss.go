package feeds

import (
	"context"
	"sync"

	"github.com/mmcdole/gofeed"

	"github.com/platewatch/recall-monitor/internal/pkg/logger"
)

// RSSWatcher polls the FDA recalls RSS feed between scheduled sync runs. The
// RSS feed updates faster than the enforcement API, so a new item there is
// the cue to pull the APIs early instead of waiting for the next interval.
type RSSWatcher struct {
	url    string
	parser *gofeed.Parser

	mu     sync.Mutex
	seen   map[string]struct{}
	primed bool
}

// NewRSSWatcher creates a watcher for the given RSS URL.
func NewRSSWatcher(url string) *RSSWatcher {
	return &RSSWatcher{
		url:    url,
		parser: gofeed.NewParser(),
		seen:   make(map[string]struct{}),
	}
}

// Poll fetches the feed and reports how many items appeared since the last
// poll. The first poll primes the seen-set and reports zero, so a process
// restart does not trigger a spurious early sync.
func (w *RSSWatcher) Poll(ctx context.Context) (int, error) {
	feed, err := w.parser.ParseURLWithContext(w.url, ctx)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	fresh := 0
	for _, item := range feed.Items {
		id := item.GUID
		if id == "" {
			id = item.Link
		}
		if id == "" {
			continue
		}
		if _, ok := w.seen[id]; ok {
			continue
		}
		w.seen[id] = struct{}{}
		fresh++
	}

	if !w.primed {
		w.primed = true
		logger.Info("rss: watcher primed", "items", len(feed.Items))
		return 0, nil
	}
	if fresh > 0 {
		logger.Info("rss: new items detected", "count", fresh)
	}
	return fresh, nil
}
