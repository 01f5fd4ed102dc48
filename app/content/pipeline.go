package content

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ykarpov/readersync/app/store"
)

//go:embed assets/placeholder.gif
var placeholderImage []byte

// claimPrepare is the pseudo image index handed to the first worker that
// touches an item: it loads (or fetches) the original HTML and collects the
// image references before any image download starts.
const claimPrepare = -1

// itemWork tracks one item moving through the prefetch pool. Workers claim
// image indexes under the wrapper's own lock so several workers can download
// images of the same item concurrently; whoever completes the last claimed
// download finalizes the item.
type itemWork struct {
	item store.Item

	mu        sync.Mutex
	preparing bool
	prepared  bool
	doc       *Document
	refs      []*ImageRef
	next      int
	claimed   int
	done      int
	failed    bool
}

// claim hands out the next unit of work for this item, or reports that
// nothing is claimable right now.
func (w *itemWork) claim() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return 0, false
	}
	if !w.prepared {
		if w.preparing {
			return 0, false
		}
		w.preparing = true
		return claimPrepare, true
	}
	if w.next < len(w.refs) {
		idx := w.next
		w.next++
		w.claimed++
		return idx, true
	}
	return 0, false
}

// fail stops further claims; downloads already in flight still drain.
func (w *itemWork) fail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed = true
	w.next = len(w.refs)
}

// completeOne records a finished download and reports whether it was the
// last one for this item.
func (w *itemWork) completeOne() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done++
	return w.done == w.claimed && w.next >= len(w.refs)
}

func (w *itemWork) finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return w.done == w.claimed
	}
	return w.prepared && w.next >= len(w.refs) && w.done == w.claimed
}

// Pipeline downloads article images with a fixed worker pool and rewrites
// each item's HTML to reference the local copies. A single run drains the
// backlog of uncached items in batches; concurrent triggers are ignored
// while a run is active.
type Pipeline struct {
	store      *store.Store
	hub        *store.Hub
	artifacts  *Artifacts
	httpClient *http.Client
	limiter    *rate.Limiter
	workers    int
	batchSize  int
	userAgent  string
	enabled    bool
	network    string

	running atomic.Bool

	mu    sync.Mutex
	queue []*itemWork
	seen  map[string]bool
	total int
	count int
}

type PipelineOptions struct {
	Workers    int
	BatchSize  int
	RatePerSec float64
	UserAgent  string
	Enabled    bool
	Network    string
	Timeout    time.Duration
}

func NewPipeline(st *store.Store, hub *store.Hub, artifacts *Artifacts, opts PipelineOptions) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}

	return &Pipeline{
		store:      st,
		hub:        hub,
		artifacts:  artifacts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    limiter,
		workers:    opts.Workers,
		batchSize:  opts.BatchSize,
		userAgent:  opts.UserAgent,
		enabled:    opts.Enabled,
		network:    opts.Network,
	}
}

// allowed consults the runtime settings, falling back to the configured
// defaults when nothing was persisted yet.
func (p *Pipeline) allowed() bool {
	enabled := p.enabled
	if v, err := p.store.GetSetting(store.SettingPrefetchEnabled); err == nil && v != "" {
		enabled = v == "true"
	}
	if !enabled {
		return false
	}

	network := p.network
	if v, err := p.store.GetSetting(store.SettingPrefetchNetwork); err == nil && v != "" {
		network = v
	}
	return network != "none"
}

// Run executes one prefetch pass. It returns immediately when another pass
// is active or prefetching is disabled.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		slog.Debug("Content prefetch already running, ignoring trigger")
		return nil
	}
	defer p.running.Store(false)

	if !p.allowed() {
		slog.Debug("Content prefetch disabled, skipping")
		return nil
	}

	p.mu.Lock()
	p.queue = nil
	p.seen = map[string]bool{}
	p.total = 0
	p.count = 0
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pipeline) work(ctx context.Context) {
	for ctx.Err() == nil {
		w, idx, ok := p.claimNext()
		if !ok {
			return
		}
		if w == nil {
			// Everything claimable is in flight on other workers.
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if idx == claimPrepare {
			p.prepare(ctx, w)
		} else {
			p.download(ctx, w, idx)
		}
	}
}

// claimNext drains finished wrappers off the queue head, claims the next
// unit of work, and refills the queue from the database when it runs dry.
// The second return is false when the run is over for this worker.
func (p *Pipeline) claimNext() (*itemWork, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for len(p.queue) > 0 && p.queue[0].finished() {
			p.queue = p.queue[1:]
		}

		inFlight := false
		for _, w := range p.queue {
			if idx, ok := w.claim(); ok {
				return w, idx, true
			}
			if !w.finished() {
				inFlight = true
			}
		}
		if inFlight {
			return nil, 0, true
		}

		if !p.refillLocked() {
			return nil, 0, false
		}
	}
}

// refillLocked loads the next batch of uncached items. Items already seen
// this run are skipped so a failing item cannot wedge the pass.
func (p *Pipeline) refillLocked() bool {
	items, err := p.store.ItemsMissingContent(p.batchSize)
	if err != nil {
		slog.Error("Failed to load uncached items", "error", err)
		return false
	}

	added := 0
	for _, item := range items {
		if p.seen[item.ID] {
			continue
		}
		p.seen[item.ID] = true
		p.queue = append(p.queue, &itemWork{item: item})
		added++
	}
	if added > 0 {
		p.total += added
	}
	return added > 0
}

// prepare loads the item's original HTML, fetching the linked page when no
// stored body exists, then parses it and collects the external image
// references. Items without any images finalize immediately.
func (p *Pipeline) prepare(ctx context.Context, w *itemWork) {
	data, err := p.artifacts.ReadOriginal(w.item.ID)
	if err != nil {
		data, err = p.fetchOriginal(ctx, w.item)
		if err != nil {
			slog.Warn("No content available for item", "item", w.item.ID, "error", err)
			w.fail()
			return
		}
	}

	doc, err := ParseDocument(data)
	if err != nil {
		slog.Warn("Failed to parse item content", "item", w.item.ID, "error", err)
		w.fail()
		return
	}

	var refs []*ImageRef
	for _, ref := range doc.Images() {
		if strings.HasPrefix(ref.Src(), "http://") || strings.HasPrefix(ref.Src(), "https://") {
			refs = append(refs, ref)
		}
	}

	w.mu.Lock()
	w.doc = doc
	w.refs = refs
	w.prepared = true
	w.preparing = false
	empty := len(refs) == 0
	w.mu.Unlock()

	if empty {
		p.finalize(w)
	}
}

// fetchOriginal pulls the article page for items whose feed carried no
// inline body, decodes it to UTF-8 and stores it like any other original.
func (p *Pipeline) fetchOriginal(ctx context.Context, item store.Item) ([]byte, error) {
	if item.Href == "" {
		return nil, errors.New("item has no stored body and no link")
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.Href, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	data := DecodeHTML(raw, resp.Header.Get("Content-Type"))

	if err := p.artifacts.SaveOriginal(item.ID, data); err != nil {
		return nil, err
	}
	return data, nil
}

// download fetches one image, writes it under its sequence number and
// rewrites the HTML reference to the local name. Download failures degrade
// to the placeholder; only storage failures fail the item.
func (p *Pipeline) download(ctx context.Context, w *itemWork, idx int) {
	ref := w.refs[idx]
	data := p.fetchImage(ctx, ref.Src())

	n := idx + 1
	if err := p.artifacts.SaveImage(w.item.ID, n, data); err != nil {
		slog.Error("Failed to store image", "item", w.item.ID, "n", n, "error", err)
		w.fail()
	} else {
		ref.SetSrc(fmt.Sprintf("%d.erss", n))
	}

	if w.completeOne() {
		p.finalize(w)
	}
}

func (p *Pipeline) fetchImage(ctx context.Context, src string) []byte {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return placeholderImage
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return placeholderImage
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Debug("Image download failed, using placeholder", "src", src, "error", err)
		return placeholderImage
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Debug("Image download failed, using placeholder", "src", src, "status", resp.StatusCode)
		return placeholderImage
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return placeholderImage
	}
	return data
}

// finalize serializes the rewritten HTML and flips the item's cached flag.
// Failed items keep their flag so a later run retries them.
func (p *Pipeline) finalize(w *itemWork) {
	w.mu.Lock()
	failed := w.failed
	doc := w.doc
	w.mu.Unlock()

	if !failed {
		out, err := doc.Serialize()
		if err == nil {
			err = p.artifacts.SaveFull(w.item.ID, out)
		}
		if err == nil {
			err = p.store.SetItemCached(w.item.ID, true)
		}
		if err != nil {
			slog.Error("Failed to finalize item content", "item", w.item.ID, "error", err)
			w.fail()
		}
	}

	p.mu.Lock()
	p.count++
	count, total := p.count, p.total
	p.mu.Unlock()
	p.hub.NotifySyncProgress("fetch_content", w.item.Title, count, total)
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return http.StatusText(e.status)
}
