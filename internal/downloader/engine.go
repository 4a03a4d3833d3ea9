// Package downloader runs the download engine: admission control over a
// bounded worker pool, per-track workers, and the outcome bookkeeping that keeps
// the persisted queue in step with what is on disk.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/cesargomez89/crate/internal/catalog"
	"github.com/cesargomez89/crate/internal/config"
	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/events"
	"github.com/cesargomez89/crate/internal/httpclient"
	"github.com/cesargomez89/crate/internal/logger"
	"github.com/cesargomez89/crate/internal/queue"
	"github.com/cesargomez89/crate/internal/storage"
	"github.com/cesargomez89/crate/internal/store"
	"github.com/cesargomez89/crate/internal/tagging"
	"github.com/cesargomez89/crate/internal/telemetry"
)

var ErrAlreadyStarted = errors.New("download engine already started")

// MetadataWriter tags a decrypted stream and writes it to outputPath.
type MetadataWriter interface {
	Write(ctx context.Context, src io.Reader, tags *domain.TrackInfo, artwork []byte, outputPath string) error
}

// History records finished downloads.
type History interface {
	RecordDownload(d *store.Download) error
}

// Options tunes the engine. Zero values fall back to the defaults in constants.
type Options struct {
	Concurrency      int
	PerCycleQuota    int
	MaxRetries       int
	WriteRetries     int
	RetryBase        time.Duration
	NoRetryThreshold int
	AdmitInterval    time.Duration
	AckTimeout       time.Duration
	StopTimeout      time.Duration
	OutputRoot       string
	Quality          string
}

// OptionsFromConfig builds engine options from the runtime configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency:      cfg.EffectiveConcurrency(),
		PerCycleQuota:    cfg.PerCycleQuota,
		MaxRetries:       cfg.MaxRetries,
		NoRetryThreshold: cfg.NoRetryThreshold,
		AdmitInterval:    cfg.AdmitInterval,
		StopTimeout:      cfg.StopTimeout,
		OutputRoot:       cfg.DownloadsDir,
		Quality:          cfg.Quality,
	}
}

func (o *Options) applyDefaults() {
	switch {
	case o.Concurrency < 1:
		o.Concurrency = constants.DefaultConcurrency
	case o.Concurrency > constants.MaxConcurrencyCeiling:
		o.Concurrency = constants.MaxConcurrencyCeiling
	}
	if o.PerCycleQuota < 1 {
		o.PerCycleQuota = constants.DefaultPerCycleQuota
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = constants.DefaultMaxRetries
	}
	if o.WriteRetries <= 0 {
		o.WriteRetries = constants.DefaultWriteRetries
	}
	if o.RetryBase <= 0 {
		o.RetryBase = constants.DefaultRetryBase
	}
	if o.NoRetryThreshold <= 0 {
		o.NoRetryThreshold = constants.DefaultNoRetryLimit
	}
	if o.AdmitInterval <= 0 {
		o.AdmitInterval = constants.DefaultAdmitInterval
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = constants.DefaultAckTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = constants.DefaultStopTimeout
	}
	if o.Quality == "" {
		o.Quality = constants.DefaultQuality
	}
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Store     queue.Store
	Resolver  catalog.Resolver
	Client    *httpclient.Client
	Writer    MetadataWriter
	Probe     *storage.Probe
	History   History
	Bus       *events.Bus
	Telemetry *telemetry.Telemetry
	Logger    *logger.Logger
}

type managed struct {
	item  *domain.QueueItem
	state *domain.QueueItemState
}

// Engine owns the queue state and the worker pool. All item and track state
// changes go through mu; the worker registry has its own lock and is never
// held while taking mu.
type Engine struct {
	opts      Options
	store     queue.Store
	resolver  catalog.Resolver
	client    *httpclient.Client
	writer    MetadataWriter
	probe     *storage.Probe
	history   History
	bus       *events.Bus
	telemetry *telemetry.Telemetry
	logger    *logger.Logger

	mu        sync.Mutex
	items     map[string]*managed
	inflight  map[string]uint64
	noRetry   map[string]string
	degraded  bool
	busy      bool
	started   bool
	running   bool
	nextToken uint64

	registry    *registry
	probing     atomic.Bool
	kickCh      chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

func NewEngine(opts Options, deps Deps) *Engine {
	opts.applyDefaults()

	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(log)
	}
	client := deps.Client
	if client == nil {
		client = httpclient.NewClient(nil, 0)
	}
	probe := deps.Probe
	if probe == nil {
		known, _ := deps.History.(storage.History)
		probe = storage.NewProbe(storage.DefaultTemplates(), known, log)
	}
	writer := deps.Writer
	if writer == nil {
		writer = tagging.NewWriter(log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:        opts,
		store:       deps.Store,
		resolver:    deps.Resolver,
		client:      client,
		writer:      writer,
		probe:       probe,
		history:     deps.History,
		bus:         bus,
		telemetry:   deps.Telemetry,
		logger:      log.WithComponent("engine"),
		items:       make(map[string]*managed),
		inflight:    make(map[string]uint64),
		noRetry:     make(map[string]string),
		registry:    newRegistry(),
		kickCh:      make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		unsubscribe: func() {},
	}
}

// Start loads the persisted queue, marks items whose files already exist as
// completed, and starts admitting work.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	e.logger.Info("Starting download engine", "concurrency", e.opts.Concurrency, "output_root", e.opts.OutputRoot)

	snap, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	e.mu.Lock()
	for _, rec := range snap.All() {
		e.items[rec.Item.ID] = &managed{item: rec.Item, state: rec.State}
		for _, ts := range rec.State.Tracks {
			if ts.State == domain.StateFailed && e.exhausted(ts.Kind, ts.Attempts) {
				e.noRetry[domain.UnitKey(rec.Item.ID, ts.TrackID)] = ts.LastError
			}
		}
	}
	candidates := e.idleQueuedLocked()
	e.mu.Unlock()

	e.logger.Info("Loaded queue", "items", snap.Len(), "queued", len(snap.Queued), "no_retry", len(e.noRetry))

	found := e.probeItems(ctx, candidates)

	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	if len(e.noRetry) > e.opts.NoRetryThreshold {
		e.enterDegradedLocked()
	}
	evts := e.applyProbeLocked(found)
	e.persistLocked()
	e.mu.Unlock()
	e.publish(evts)

	unsubscribe := e.bus.Subscribe(events.WorkerFinished, e.onWorkerFinished)
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.wg.Add(1)
	e.mu.Unlock()
	go e.loop()

	e.AdmitNext()
	return nil
}

// Stop cancels every running worker and waits up to StopTimeout for them to
// exit. The final queue state is persisted before returning.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	unsubscribe := e.unsubscribe
	e.mu.Unlock()

	handles := e.registry.all()
	e.logger.Info("Stopping download engine", "active", len(handles))
	unsubscribe()
	e.cancel()

	deadline := time.NewTimer(e.opts.StopTimeout)
	defer deadline.Stop()

	timedOut := false
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline.C:
			timedOut = true
		}
		if timedOut {
			break
		}
	}

	if timedOut {
		for _, h := range e.registry.all() {
			e.logger.Warn("Worker did not exit before shutdown", "item_id", h.itemID, "attempt", h.token)
		}
	} else {
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-deadline.C:
			e.logger.Warn("Timed out waiting for engine goroutines", "remaining", e.registry.Len())
		}
	}

	e.mu.Lock()
	e.persistLocked()
	e.mu.Unlock()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.AdmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.AdmitNext()
		case <-e.kickCh:
			e.AdmitNext()
		}
	}
}

// kick asks the loop for an admission pass without blocking.
func (e *Engine) kick() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// AdmitNext starts workers for eligible queued tracks and returns how many
// were started. Items are served FIFO by enqueue time and id; each item gets
// at most PerCycleQuota tracks per call.
func (e *Engine) AdmitNext() int {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return 0
	}

	available := e.opts.Concurrency - e.registry.Len()
	if available <= 0 {
		e.mu.Unlock()
		return 0
	}

	now := time.Now()
	var jobs []job
	var evts []events.Event

	for _, m := range e.orderedLocked() {
		if available == 0 {
			break
		}
		if m.state.State != domain.StateQueued && m.state.State != domain.StateDownloading {
			continue
		}
		if e.degraded && e.overlapsLocked(m) {
			continue
		}

		granted := 0
		for i := range m.state.Tracks {
			if available == 0 || granted >= e.opts.PerCycleQuota {
				break
			}
			ts := &m.state.Tracks[i]
			unit := domain.UnitKey(m.item.ID, ts.TrackID)
			if ts.State != domain.StateQueued || now.Before(ts.NotBefore) || e.registry.has(unit) {
				continue
			}
			if _, blocked := e.noRetry[unit]; blocked {
				continue
			}

			e.nextToken++
			token := e.nextToken
			wctx, cancel := context.WithCancel(e.ctx)
			e.registry.add(unit, &handle{itemID: m.item.ID, token: token, cancel: cancel, done: make(chan struct{})})
			e.inflight[unit] = token
			e.wg.Add(1)

			ts.State = domain.StateDownloading
			ts.Progress = 0
			jobs = append(jobs, job{ctx: wctx, unit: unit, token: token, item: m.item, track: m.item.Tracks[i]})
			granted++
			available--
		}

		if granted > 0 {
			prev := m.state.State
			e.refreshLocked(m)
			if m.state.State != prev {
				evts = append(evts, e.stateEventLocked(m))
			}
		}
	}

	if len(jobs) > 0 {
		e.busy = true
		e.persistLocked()
	}
	e.mu.Unlock()

	e.publish(evts)
	for _, j := range jobs {
		go e.runWorker(j)
	}
	if len(jobs) > 0 {
		e.logger.Debug("Admitted tracks", "count", len(jobs), "active", e.registry.Len())
	}
	return len(jobs)
}

// Enqueue adds a new item. Items whose files already exist are completed
// immediately without starting a worker.
func (e *Engine) Enqueue(item *domain.QueueItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if !e.store.Validate(item) {
		return fmt.Errorf("%w: rejected by queue store", domain.ErrInvalidItem)
	}
	if item.TotalTrackCount > len(item.Tracks) {
		e.logger.Warn("Item declares more tracks than it lists, tracking the listed ones",
			"item_id", item.ID, "declared", item.TotalTrackCount, "listed", len(item.Tracks))
	}
	item.TotalTrackCount = len(item.Tracks)
	for i := range item.Tracks {
		item.Tracks[i] = item.Tracks[i].Normalize()
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}

	var existing map[string]string
	if e.probe != nil && e.probe.IsAlreadyComplete(item, e.opts.OutputRoot) {
		existing = e.probe.ExistingTracks(item, e.opts.OutputRoot)
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return domain.ErrEngineStopped
	}
	if _, dup := e.items[item.ID]; dup {
		e.mu.Unlock()
		return fmt.Errorf("%w: duplicate item id %s", domain.ErrInvalidItem, item.ID)
	}

	m := &managed{item: item, state: domain.NewQueueItemState(item, now)}
	for i := range m.state.Tracks {
		ts := &m.state.Tracks[i]
		if path, ok := existing[ts.TrackID]; ok {
			ts.State = domain.StateCompleted
			ts.Progress = 1
			ts.FilePath = path
		}
	}
	e.items[item.ID] = m
	e.refreshLocked(m)
	if m.state.State == domain.StateCompleted {
		e.logger.Info("Item already on disk, nothing to download", "item_id", item.ID, "title", item.Title)
	}
	e.persistLocked()

	view := domain.ItemView{Item: *m.item, State: m.state.Clone()}
	evts := []events.Event{
		{Type: events.ItemAdded, ItemID: item.ID, State: m.state.State, Payload: view},
		e.stateEventLocked(m),
	}
	e.mu.Unlock()

	e.logger.Info("Item queued", "item_id", item.ID, "type", item.Type, "tracks", len(item.Tracks), "already_present", len(existing))
	e.publish(evts)
	e.kick()
	return nil
}

// Cancel marks an item cancelled and signals its workers. Workers clean up
// their temporary files and leave the registry when they exit.
func (e *Engine) Cancel(itemID string) error {
	e.mu.Lock()
	m, err := e.transitionLocked(itemID, domain.StateCancelled)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	for i := range m.state.Tracks {
		if m.state.Tracks[i].State == domain.StateQueued {
			m.state.Tracks[i].State = domain.StateCancelled
		}
	}
	handles := e.registry.forItem(itemID)
	e.persistLocked()
	evts := e.settledEventsLocked(m)
	e.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	e.logger.Info("Item cancelled", "item_id", itemID, "signalled_workers", len(handles))
	e.publish(evts)
	return nil
}

// Pause stops admitting tracks of an item and interrupts its running tracks,
// which go back to QUEUED.
func (e *Engine) Pause(itemID string) error {
	e.mu.Lock()
	m, err := e.transitionLocked(itemID, domain.StatePaused)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	handles := e.registry.forItem(itemID)
	e.persistLocked()
	evts := e.settledEventsLocked(m)
	e.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	e.logger.Info("Item paused", "item_id", itemID)
	e.publish(evts)
	return nil
}

// Resume puts a paused item back in the queue.
func (e *Engine) Resume(itemID string) error {
	e.mu.Lock()
	m, err := e.transitionLocked(itemID, domain.StateQueued)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.refreshLocked(m)
	e.persistLocked()
	evts := e.settledEventsLocked(m)
	e.mu.Unlock()

	e.logger.Info("Item resumed", "item_id", itemID)
	e.publish(evts)
	e.kick()
	return nil
}

// RetryFailed re-queues every failed track that is not in the no-retry set and
// returns how many were re-queued.
func (e *Engine) RetryFailed() int {
	e.mu.Lock()
	count := 0
	var evts []events.Event
	for _, m := range e.orderedLocked() {
		if m.state.State != domain.StateFailed && m.state.State != domain.StateDownloading && m.state.State != domain.StateQueued {
			continue
		}
		requeued := 0
		for i := range m.state.Tracks {
			ts := &m.state.Tracks[i]
			if ts.State != domain.StateFailed {
				continue
			}
			if _, blocked := e.noRetry[domain.UnitKey(m.item.ID, ts.TrackID)]; blocked {
				continue
			}
			ts.State = domain.StateQueued
			ts.Attempts = 0
			ts.LastError = ""
			ts.Kind = ""
			ts.NotBefore = time.Time{}
			requeued++
		}
		if requeued == 0 {
			continue
		}
		count += requeued
		m.state.RetryCount++
		if m.state.State == domain.StateFailed {
			m.state.State = domain.StateQueued
			m.state.LastError = ""
		}
		e.refreshLocked(m)
		evts = append(evts, e.stateEventLocked(m))
	}
	if count > 0 {
		e.persistLocked()
	}
	e.mu.Unlock()

	if count > 0 {
		e.logger.Info("Retrying failed tracks", "count", count)
		e.kick()
	}
	e.publish(evts)
	return count
}

// ClearCompleted removes completed and cancelled items.
func (e *Engine) ClearCompleted() int {
	return e.clear(func(s domain.State) bool { return s.IsTerminal() })
}

// ClearFailed removes failed items.
func (e *Engine) ClearFailed() int {
	return e.clear(func(s domain.State) bool { return s == domain.StateFailed })
}

// ClearAll removes every item and cancels anything still running.
func (e *Engine) ClearAll() int {
	return e.clear(func(domain.State) bool { return true })
}

func (e *Engine) clear(match func(domain.State) bool) int {
	e.mu.Lock()
	var handles []*handle
	removed := 0
	for id, m := range e.items {
		if !match(m.state.State) {
			continue
		}
		handles = append(handles, e.registry.forItem(id)...)
		delete(e.items, id)
		e.dropNoRetryLocked(m.item)
		removed++
	}
	var evts []events.Event
	if removed > 0 {
		e.persistLocked()
		evts = e.finishedEventLocked()
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	if removed > 0 {
		e.logger.Info("Cleared queue items", "count", removed)
	}
	e.publish(evts)
	return removed
}

// Snapshot returns a copy of every item and its state in queue order.
func (e *Engine) Snapshot() []domain.ItemView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo.Map(e.orderedLocked(), func(m *managed, _ int) domain.ItemView {
		return domain.ItemView{Item: *m.item, State: m.state.Clone()}
	})
}

// Get returns a copy of one item and its state.
func (e *Engine) Get(itemID string) (domain.ItemView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.items[itemID]
	if !ok {
		return domain.ItemView{}, domain.ErrItemNotFound
	}
	return domain.ItemView{Item: *m.item, State: m.state.Clone()}, nil
}

// Active returns the number of registered workers.
func (e *Engine) Active() int {
	return e.registry.Len()
}

// Degraded reports whether automatic retries are suspended.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Counts returns the number of items per state.
func (e *Engine) Counts() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.countsLocked()
}

func (e *Engine) onWorkerFinished(evt events.Event) {
	out, ok := evt.Payload.(Outcome)
	if !ok {
		return
	}
	e.applyOutcome(out)
}

// applyOutcome records a worker result. It is safe to call more than once for
// the same outcome: only the first call for the current attempt token has an
// effect, and it reports true.
func (e *Engine) applyOutcome(out Outcome) bool {
	unit := domain.UnitKey(out.ItemID, out.TrackID)

	e.mu.Lock()
	if tok, ok := e.inflight[unit]; !ok || tok != out.Token {
		e.mu.Unlock()
		return false
	}
	delete(e.inflight, unit)

	m, ok := e.items[out.ItemID]
	idx := -1
	if ok {
		idx = m.item.TrackIndex(out.TrackID)
	}
	if idx < 0 {
		e.mu.Unlock()
		return true
	}

	ts := &m.state.Tracks[idx]
	status := e.settleTrackLocked(m, ts, unit, out)
	e.refreshLocked(m)
	e.persistLocked()
	evts := e.settledEventsLocked(m)
	e.mu.Unlock()

	e.telemetry.RecordDownload(status, out.Duration, out.Bytes)
	e.publish(evts)
	return true
}

func (e *Engine) settleTrackLocked(m *managed, ts *domain.TrackState, unit string, out Outcome) string {
	ts.NotBefore = time.Time{}

	if out.Err == nil {
		ts.State = domain.StateCompleted
		ts.Progress = 1
		ts.FilePath = out.FilePath
		ts.LastError = ""
		ts.Kind = ""
		return "completed"
	}

	kind := domain.Classify(out.Err)
	if kind == domain.KindCancelled {
		ts.Progress = 0
		if m.state.State == domain.StateCancelled {
			ts.State = domain.StateCancelled
		} else {
			ts.State = domain.StateQueued
		}
		return "cancelled"
	}

	ts.Attempts++
	ts.LastError = domain.Reason(out.Err)
	ts.Kind = kind
	ts.Progress = 0
	log := e.logger.WithItem(m.item.ID, string(m.item.Type)).With("track_id", ts.TrackID, "kind", kind, "attempt", ts.Attempts)

	retry := !e.exhausted(kind, ts.Attempts)
	if !retry {
		if !kind.Permanent() {
			log.Warn("Retries exhausted, treating failure as permanent")
		}
		e.markNoRetryLocked(unit, ts.LastError)
	}
	if retry && e.degraded && e.overlapsLocked(m) {
		log.Warn("Automatic retry suspended in degraded mode")
		retry = false
	}
	if retry && m.state.State != domain.StateCancelled {
		delay := time.Duration(ts.Attempts) * e.opts.RetryBase
		ts.State = domain.StateQueued
		ts.NotBefore = time.Now().Add(delay)
		m.state.RetryCount++
		log.Warn("Track failed, will retry", "error", out.Err, "retry_in", delay)
		return "retry"
	}

	ts.State = domain.StateFailed
	if kind == domain.KindDecryption {
		log.Error("Decryption failed, check key derivation and stream format", "error", out.Err)
	} else {
		log.Error("Track failed", "error", out.Err)
	}
	return "failed"
}

// exhausted reports whether a failure of kind after attempts tries may not be
// retried again: permanent kinds never are, write errors get WriteRetries and
// everything else MaxRetries.
func (e *Engine) exhausted(kind domain.Kind, attempts int) bool {
	switch {
	case kind.Permanent():
		return true
	case kind == domain.KindWrite:
		return attempts > e.opts.WriteRetries
	default:
		return attempts > e.opts.MaxRetries
	}
}

// refreshLocked recomputes counters and derives the item state from its tracks.
// Paused and cancelled items keep their state until the caller changes it.
func (e *Engine) refreshLocked(m *managed) {
	st := m.state
	total := max(m.item.TotalTrackCount, len(m.item.Tracks))
	st.Recount(total)
	st.UpdatedAt = time.Now()

	if st.State == domain.StatePaused || st.State == domain.StateCancelled {
		return
	}

	queued, active := st.Pending()
	next := st.State
	switch {
	case active > 0:
		next = domain.StateDownloading
	case queued > 0:
	case st.CompletedTrackCount == total:
		next = domain.StateCompleted
	default:
		next = domain.StateFailed
	}
	if next == st.State {
		return
	}
	if !domain.CanTransition(st.State, next) {
		e.logger.Warn("Ignoring invalid state transition", "item_id", m.item.ID, "from", st.State, "to", next)
		return
	}

	st.State = next
	switch next {
	case domain.StateCompleted:
		st.LastError = ""
		e.logger.Info("Item completed", "item_id", m.item.ID, "title", m.item.Title, "tracks", st.CompletedTrackCount)
	case domain.StateFailed:
		if ts, ok := lo.Find(st.Tracks, func(t domain.TrackState) bool { return t.State == domain.StateFailed }); ok {
			st.LastError = ts.LastError
		} else {
			st.LastError = fmt.Sprintf("%d of %d tracks completed", st.CompletedTrackCount, total)
		}
		e.logger.Warn("Item finished with failures", "item_id", m.item.ID, "failed", st.FailedTrackCount, "completed", st.CompletedTrackCount)
	}
}

func (e *Engine) transitionLocked(itemID string, to domain.State) (*managed, error) {
	m, ok := e.items[itemID]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	if m.state.State == to || !domain.CanTransition(m.state.State, to) {
		return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, m.state.State, to)
	}
	m.state.State = to
	m.state.UpdatedAt = time.Now()
	return m, nil
}

// commit runs fn while holding the engine lock, provided the attempt is still
// current and its item is neither cancelled nor paused. Otherwise it returns
// context.Canceled without running fn.
func (e *Engine) commit(j job, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tok, ok := e.inflight[j.unit]; !ok || tok != j.token {
		return context.Canceled
	}
	m, ok := e.items[j.item.ID]
	if !ok || m.state.State == domain.StateCancelled || m.state.State == domain.StatePaused {
		return context.Canceled
	}
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return fn()
}

func (e *Engine) updateProgress(j job, read, total int64) {
	e.mu.Lock()
	if tok, ok := e.inflight[j.unit]; !ok || tok != j.token {
		e.mu.Unlock()
		return
	}
	m, ok := e.items[j.item.ID]
	if !ok {
		e.mu.Unlock()
		return
	}
	idx := m.item.TrackIndex(j.track.ID)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	frac := 0.0
	if total > 0 {
		frac = min(float64(read)/float64(total), 1)
	}
	m.state.Tracks[idx].Progress = frac
	m.state.Recount(max(m.item.TotalTrackCount, len(m.item.Tracks)))
	itemProgress := m.state.Progress
	e.mu.Unlock()

	e.bus.Publish(events.Event{
		Type:       events.Progress,
		ItemID:     j.item.ID,
		TrackID:    j.track.ID,
		State:      domain.StateDownloading,
		Progress:   itemProgress,
		BytesRead:  read,
		BytesTotal: total,
	})
}

func (e *Engine) markNoRetryLocked(unit, reason string) {
	e.noRetry[unit] = reason
	if !e.degraded && len(e.noRetry) > e.opts.NoRetryThreshold {
		e.enterDegradedLocked()
	}
}

func (e *Engine) enterDegradedLocked() {
	e.degraded = true
	e.logger.Warn("Too many permanent failures, automatic re-admission of affected items suspended",
		"no_retry", len(e.noRetry), "threshold", e.opts.NoRetryThreshold)
}

func (e *Engine) dropNoRetryLocked(item *domain.QueueItem) {
	for _, t := range item.Tracks {
		delete(e.noRetry, domain.UnitKey(item.ID, t.ID))
	}
	if e.degraded && len(e.noRetry) <= e.opts.NoRetryThreshold {
		e.degraded = false
		e.logger.Info("Leaving degraded mode", "no_retry", len(e.noRetry))
	}
}

// overlapsLocked reports whether any track of m is in the no-retry set.
func (e *Engine) overlapsLocked(m *managed) bool {
	return lo.SomeBy(m.item.Tracks, func(t domain.TrackInfo) bool {
		_, ok := e.noRetry[domain.UnitKey(m.item.ID, t.ID)]
		return ok
	})
}

// orderedLocked returns items by enqueue time, ties broken by id.
func (e *Engine) orderedLocked() []*managed {
	list := lo.Values(e.items)
	slices.SortFunc(list, func(a, b *managed) int {
		if c := a.item.CreatedAt.Compare(b.item.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.item.ID, b.item.ID)
	})
	return list
}

func (e *Engine) pendingLocked() bool {
	return lo.SomeBy(lo.Values(e.items), func(m *managed) bool {
		return m.state.State == domain.StateQueued || m.state.State == domain.StateDownloading
	})
}

func (e *Engine) countsLocked() map[string]int {
	return lo.CountValuesBy(lo.Values(e.items), func(m *managed) string {
		return string(m.state.State)
	})
}

// persistLocked saves the full snapshot. Cancelled items are not persisted.
func (e *Engine) persistLocked() {
	snap := &queue.Snapshot{}
	for _, m := range e.orderedLocked() {
		rec := queue.Record{Item: m.item, State: m.state}
		switch m.state.State {
		case domain.StateQueued, domain.StatePaused:
			snap.Queued = append(snap.Queued, rec)
		case domain.StateDownloading:
			snap.InFlight = append(snap.InFlight, rec)
		case domain.StateCompleted:
			snap.Completed = append(snap.Completed, rec)
		case domain.StateFailed:
			snap.Failed = append(snap.Failed, rec)
		}
	}
	if err := e.store.Save(snap); err != nil {
		e.logger.Error("Failed to persist queue", "error", err)
	}
	e.telemetry.RecordQueue(e.countsLocked())
	e.scheduleProbeLocked()
}

// idleQueuedLocked returns queued items with no running tracks.
func (e *Engine) idleQueuedLocked() []*domain.QueueItem {
	var out []*domain.QueueItem
	for _, m := range e.items {
		if m.state.State != domain.StateQueued {
			continue
		}
		if _, active := m.state.Pending(); active > 0 {
			continue
		}
		out = append(out, m.item)
	}
	return out
}

// scheduleProbeLocked checks idle queued items against the disk in the
// background. Only one probe pass runs at a time.
func (e *Engine) scheduleProbeLocked() {
	if !e.running || e.probe == nil || !e.probing.CompareAndSwap(false, true) {
		return
	}
	items := e.idleQueuedLocked()
	if len(items) == 0 {
		e.probing.Store(false)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.probing.Store(false)

		found := e.probeItems(e.ctx, items)
		if len(found) == 0 {
			return
		}
		e.mu.Lock()
		evts := e.applyProbeLocked(found)
		if len(evts) > 0 {
			e.persistLocked()
		}
		e.mu.Unlock()
		e.publish(evts)
	}()
}

// probeItems looks up existing files for items concurrently and returns the
// hits keyed by item id then track id.
func (e *Engine) probeItems(ctx context.Context, items []*domain.QueueItem) map[string]map[string]string {
	found := make(map[string]map[string]string)
	if e.probe == nil || len(items) == 0 {
		return found
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.DefaultProbeParallel)
	for _, item := range items {
		item := item
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			existing := e.probe.ExistingTracks(item, e.opts.OutputRoot)
			if len(existing) == 0 {
				return nil
			}
			mu.Lock()
			found[item.ID] = existing
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Debug("Completion probe interrupted", "error", err)
	}
	return found
}

func (e *Engine) applyProbeLocked(found map[string]map[string]string) []events.Event {
	var evts []events.Event
	for id, paths := range found {
		m, ok := e.items[id]
		if !ok || m.state.State != domain.StateQueued {
			continue
		}
		marked := 0
		for i := range m.state.Tracks {
			ts := &m.state.Tracks[i]
			path, ok := paths[ts.TrackID]
			if !ok || ts.State != domain.StateQueued || e.registry.has(domain.UnitKey(id, ts.TrackID)) {
				continue
			}
			ts.State = domain.StateCompleted
			ts.Progress = 1
			ts.FilePath = path
			marked++
		}
		if marked == 0 {
			continue
		}
		e.refreshLocked(m)
		e.logger.Info("Found tracks already on disk", "item_id", id, "tracks", marked, "state", m.state.State)
		evts = append(evts, e.stateEventLocked(m))
	}
	return evts
}

func (e *Engine) stateEventLocked(m *managed) events.Event {
	return events.Event{
		Type:     events.StateChanged,
		ItemID:   m.item.ID,
		State:    m.state.State,
		Progress: m.state.Progress,
		Error:    m.state.LastError,
		Payload:  domain.ItemView{Item: *m.item, State: m.state.Clone()},
	}
}

// settledEventsLocked returns the state event for m, followed by ALL_FINISHED
// when this change drained the queue.
func (e *Engine) settledEventsLocked(m *managed) []events.Event {
	return append([]events.Event{e.stateEventLocked(m)}, e.finishedEventLocked()...)
}

func (e *Engine) finishedEventLocked() []events.Event {
	if !e.busy || e.pendingLocked() {
		return nil
	}
	e.busy = false
	return []events.Event{{Type: events.AllFinished}}
}

func (e *Engine) publish(evts []events.Event) {
	for _, evt := range evts {
		e.bus.Publish(evt)
	}
}
