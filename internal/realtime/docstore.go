package realtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inkwell/sync/internal/blob"
	"inkwell/sync/internal/crdt"
	"inkwell/sync/internal/store"
)

// Backend is the durable side of the document state store.
type Backend interface {
	GetDocumentMeta(ctx context.Context, docID string) (store.DocumentMeta, error)
	GetDocumentState(ctx context.Context, docID string) ([]byte, error)
	SaveDocumentState(ctx context.Context, docID string, state []byte, plainContent string) error
	ReplaceAttachmentRefs(ctx context.Context, docID string, refs []string) error
	AttachmentReferencedElsewhere(ctx context.Context, attachmentID, excludingDocID string) (bool, error)
}

type DocStoreConfig struct {
	FlushDebounce time.Duration
	FlushMaxDelay time.Duration
	FlushMaxRetry time.Duration
	IdleTimeout   time.Duration
}

// replica is the single in-memory authoritative copy of one document.
// At most one exists per document id; all mutation happens under mu.
type replica struct {
	docID string

	mu         sync.Mutex
	state      *crdt.State
	meta       store.DocumentMeta
	unseeded   bool
	lastAccess time.Time
	dirty      bool
	prevRefs   map[string]struct{}

	// ready is closed once hydration finished; loadErr is set before the
	// close when it failed. Readers must wait on ready before touching
	// state.
	ready   chan struct{}
	loadErr error

	kick chan struct{} // schedule or reschedule a flush
	stop chan struct{} // evict: final flush, then worker exit
}

func (r *replica) touch() {
	r.mu.Lock()
	r.lastAccess = time.Now()
	r.mu.Unlock()
}

func (r *replica) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAccess
}

func (r *replica) isDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

func (r *replica) hydrated() bool {
	select {
	case <-r.ready:
		return r.loadErr == nil
	default:
		return false
	}
}

// DocStore owns the in-memory replicas: lazy hydration, CRDT merging,
// debounced persistence and idle eviction. Flushes belong to documents,
// not connections; a closing connection never cancels one.
type DocStore struct {
	backend  Backend
	engine   crdt.Engine
	sanitize func(string) string
	blobs    blob.Store
	metrics  *Metrics
	log      zerolog.Logger
	cfg      DocStoreConfig

	// subscriberCount keeps replicas with live subscribers out of idle
	// eviction. Supplied by the hub from the registry.
	subscriberCount func(docID string) int

	mu       sync.Mutex
	replicas map[string]*replica

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDocStore(backend Backend, engine crdt.Engine, sanitize func(string) string, blobs blob.Store, metrics *Metrics, log zerolog.Logger, cfg DocStoreConfig) *DocStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &DocStore{
		backend:         backend,
		engine:          engine,
		sanitize:        sanitize,
		blobs:           blobs,
		metrics:         metrics,
		log:             log,
		cfg:             cfg,
		subscriberCount: func(string) int { return 0 },
		replicas:        make(map[string]*replica),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// LoadOrCreate returns the in-memory replica for a document, hydrating it
// on first use. Idempotent: a replica already in memory only gets its
// last-access time refreshed. The map lock is held only for the lookup
// and the placeholder insert, never across backend I/O, so one document's
// slow hydration cannot stall operations on any other document.
func (ds *DocStore) LoadOrCreate(ctx context.Context, docID string) (*replica, error) {
	ds.mu.Lock()
	if r, ok := ds.replicas[docID]; ok {
		ds.mu.Unlock()
		<-r.ready
		if r.loadErr != nil {
			return nil, r.loadErr
		}
		r.touch()
		return r, nil
	}

	r := &replica{
		docID:      docID,
		lastAccess: time.Now(),
		ready:      make(chan struct{}),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	ds.replicas[docID] = r
	ds.metrics.Replicas.Set(float64(len(ds.replicas)))
	ds.mu.Unlock()

	meta, err := ds.backend.GetDocumentMeta(ctx, docID)
	if err == nil {
		r.meta = meta
		err = ds.hydrate(ctx, r)
	}
	if err != nil {
		r.loadErr = err
		ds.mu.Lock()
		delete(ds.replicas, docID)
		ds.metrics.Replicas.Set(float64(len(ds.replicas)))
		ds.mu.Unlock()
		close(r.ready)
		return nil, err
	}
	close(r.ready)

	ds.wg.Add(1)
	go ds.flushLoop(r)

	return r, nil
}

// replica returns a fully hydrated replica, waiting out an in-flight
// hydration by another caller.
func (ds *DocStore) replica(docID string) (*replica, bool) {
	ds.mu.Lock()
	r, ok := ds.replicas[docID]
	ds.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-r.ready
	if r.loadErr != nil {
		return nil, false
	}
	return r, true
}

// hydrate fills a fresh replica from the persisted binary snapshot, or
// falls back to seeding the CRDT from durable metadata and the last-known
// plain-content snapshot. Persisted content is re-sanitized on the way
// in: the read path is a trust boundary of its own, and the replica must
// never carry markup forward that a later broadcast would re-serve.
func (ds *DocStore) hydrate(ctx context.Context, r *replica) error {
	raw, err := ds.backend.GetDocumentState(ctx, r.docID)
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", r.docID, err)
	}

	if raw != nil {
		state, err := ds.engine.Decode(raw)
		if err != nil {
			return fmt.Errorf("hydrate %s: %w", r.docID, err)
		}
		for id, b := range state.Blocks {
			if clean := ds.sanitize(b.HTML); clean != b.HTML {
				b.HTML = clean
				state.Blocks[id] = b
			}
		}
		r.state = state
		r.prevRefs = state.AttachmentRefs()
		return nil
	}

	state := ds.engine.New()
	state.SetMeta(crdt.MetaTitle, r.meta.Title, "server")
	state.SetMeta(crdt.MetaIcon, r.meta.Icon, "server")
	state.SetMeta(crdt.MetaSortPos, strconv.FormatFloat(r.meta.SortPos, 'f', -1, 64), "server")
	state.SetMeta(crdt.MetaParent, r.meta.ParentID, "server")
	if !r.meta.Encrypted && r.meta.PlainContent != "" {
		state.Blocks["seed"] = crdt.Block{
			Kind:     "html",
			HTML:     ds.sanitize(r.meta.PlainContent),
			Position: 1,
			Clock:    state.NextClock(),
			Actor:    "server",
		}
	}
	r.state = state
	r.unseeded = true
	r.prevRefs = state.AttachmentRefs()
	ds.log.Debug().Str("doc", r.docID).Msg("replica seeded from metadata, no persisted state")
	return nil
}

// Meta returns the replica's document metadata if the replica is loaded.
func (ds *DocStore) Meta(docID string) (store.DocumentMeta, bool) {
	r, ok := ds.replica(docID)
	if !ok {
		return store.DocumentMeta{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta, true
}

// Snapshot encodes the full replica state for a subscriber's init event.
func (ds *DocStore) Snapshot(docID string) ([]byte, error) {
	r, ok := ds.replica(docID)
	if !ok {
		return nil, fmt.Errorf("no replica for %s", docID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAccess = time.Now()
	return ds.engine.Snapshot(r.state)
}

// ApplyUpdate merges a binary update into the replica and schedules a
// debounced flush. The caller has already authorized the sender; this
// enforces only document-level invariants.
func (ds *DocStore) ApplyUpdate(docID string, update []byte) error {
	r, ok := ds.replica(docID)
	if !ok {
		return fmt.Errorf("no replica for %s", docID)
	}

	r.mu.Lock()
	if r.meta.Encrypted {
		r.mu.Unlock()
		return errEncryptedDoc
	}
	if err := ds.engine.Merge(r.state, update); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("merge update for %s: %w", docID, err)
	}
	r.dirty = true
	r.lastAccess = time.Now()
	r.mu.Unlock()

	ds.metrics.UpdatesMerged.Inc()
	ds.scheduleFlush(r)
	return nil
}

// Touch refreshes the idle clock without mutating state.
func (ds *DocStore) Touch(docID string) {
	if r, ok := ds.replica(docID); ok {
		r.touch()
	}
}

func (ds *DocStore) scheduleFlush(r *replica) {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// flushLoop is the per-document persistence worker: it coalesces bursts
// of updates into one write (debounce, bounded by a hard max delay so
// continuous typing cannot defer persistence forever) and retries failed
// flushes with capped exponential backoff.
func (ds *DocStore) flushLoop(r *replica) {
	defer ds.wg.Done()

	backoff := ds.cfg.FlushDebounce

	for {
		select {
		case <-r.stop:
			ds.finalFlush(r)
			return
		case <-ds.ctx.Done():
			ds.finalFlush(r)
			return
		case <-r.kick:
		}

		// Quiet-period coalescing with a hard deadline.
		deadline := time.Now().Add(ds.cfg.FlushMaxDelay)
		quiet := time.NewTimer(ds.cfg.FlushDebounce)
	coalesce:
		for {
			select {
			case <-r.stop:
				quiet.Stop()
				ds.finalFlush(r)
				return
			case <-ds.ctx.Done():
				quiet.Stop()
				ds.finalFlush(r)
				return
			case <-r.kick:
				remaining := time.Until(deadline)
				if remaining <= 0 {
					quiet.Stop()
					break coalesce
				}
				wait := ds.cfg.FlushDebounce
				if wait > remaining {
					wait = remaining
				}
				if !quiet.Stop() {
					select {
					case <-quiet.C:
					default:
					}
				}
				quiet.Reset(wait)
			case <-quiet.C:
				break coalesce
			}
		}

		if err := ds.flushOnce(r); err != nil {
			// Never drop the replica: unpersisted edits exist only here.
			ds.metrics.FlushFailures.Inc()
			ds.log.Error().Err(err).Str("doc", r.docID).Dur("retry_in", backoff).Msg("flush failed")
			select {
			case <-r.stop:
				ds.finalFlush(r)
				return
			case <-ds.ctx.Done():
				ds.finalFlush(r)
				return
			case <-time.After(backoff):
				ds.scheduleFlush(r)
			case <-r.kick:
				ds.scheduleFlush(r)
			}
			backoff *= 2
			if backoff > ds.cfg.FlushMaxRetry {
				backoff = ds.cfg.FlushMaxRetry
			}
			continue
		}
		backoff = ds.cfg.FlushDebounce
	}
}

// flushOnce persists the replica if dirty and runs orphaned-attachment
// cleanup against the reference index.
func (ds *DocStore) flushOnce(r *replica) error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	encoded, err := ds.engine.Encode(r.state)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("encode %s: %w", r.docID, err)
	}
	plain := ds.renderPlain(r.state)
	newRefs := r.state.AttachmentRefs()
	oldRefs := r.prevRefs
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := ds.backend.SaveDocumentState(ctx, r.docID, encoded, plain); err != nil {
		return fmt.Errorf("save %s: %w", r.docID, err)
	}

	r.mu.Lock()
	r.dirty = false
	r.prevRefs = newRefs
	r.mu.Unlock()
	ds.metrics.Flushes.Inc()

	refs := make([]string, 0, len(newRefs))
	for ref := range newRefs {
		refs = append(refs, ref)
	}
	if err := ds.backend.ReplaceAttachmentRefs(ctx, r.docID, refs); err != nil {
		ds.log.Error().Err(err).Str("doc", r.docID).Msg("update attachment refs")
	}
	ds.cleanupOrphans(ctx, r.docID, oldRefs, newRefs)
	return nil
}

// cleanupOrphans deletes attachments the new content no longer references
// and no other document references either. Keys are validated against a
// narrow allowlist before any storage call; anything path-like is logged
// and skipped.
func (ds *DocStore) cleanupOrphans(ctx context.Context, docID string, oldRefs, newRefs map[string]struct{}) {
	for ref := range oldRefs {
		if _, still := newRefs[ref]; still {
			continue
		}
		if err := blob.ValidateKey(ref); err != nil {
			ds.log.Warn().Str("doc", docID).Str("attachment", ref).Msg("skipping unsafe attachment key")
			continue
		}
		elsewhere, err := ds.backend.AttachmentReferencedElsewhere(ctx, ref, docID)
		if err != nil {
			ds.log.Error().Err(err).Str("attachment", ref).Msg("orphan check failed")
			continue
		}
		if elsewhere {
			continue
		}
		if err := ds.blobs.Remove(ctx, ref); err != nil {
			ds.log.Error().Err(err).Str("attachment", ref).Msg("orphan removal failed")
			continue
		}
		ds.log.Info().Str("doc", docID).Str("attachment", ref).Msg("orphaned attachment removed")
	}
}

func (ds *DocStore) finalFlush(r *replica) {
	if err := ds.flushOnce(r); err != nil {
		ds.metrics.FlushFailures.Inc()
		ds.log.Error().Err(err).Str("doc", r.docID).Msg("final flush failed")
	}
}

// renderPlain produces the sanitized HTML mirror persisted next to the
// binary snapshot, so the rest of the platform can read documents without
// a CRDT decoder.
func (ds *DocStore) renderPlain(state *crdt.State) string {
	var b strings.Builder
	for _, block := range state.OrderedBlocks() {
		b.WriteString(block.HTML)
	}
	return ds.sanitize(b.String())
}

// EvictIdle flushes and drops replicas idle past the threshold with no
// live subscribers, bounding memory on a server holding many documents.
// A replica whose flush fails stays resident: it holds the only copy of
// its unpersisted edits, and dropping it would lose them.
func (ds *DocStore) EvictIdle() {
	cutoff := time.Now().Add(-ds.cfg.IdleTimeout)

	ds.mu.Lock()
	var candidates []*replica
	for docID, r := range ds.replicas {
		if !r.hydrated() || ds.subscriberCount(docID) > 0 {
			continue
		}
		if r.idleSince().Before(cutoff) {
			candidates = append(candidates, r)
		}
	}
	ds.mu.Unlock()

	for _, r := range candidates {
		if err := ds.flushOnce(r); err != nil {
			ds.metrics.FlushFailures.Inc()
			ds.log.Error().Err(err).Str("doc", r.docID).Msg("evict flush failed, keeping replica")
			ds.scheduleFlush(r)
			continue
		}

		ds.mu.Lock()
		// Re-check: a subscriber or edit may have arrived while flushing.
		if ds.subscriberCount(r.docID) > 0 || !r.idleSince().Before(cutoff) || r.isDirty() {
			ds.mu.Unlock()
			continue
		}
		delete(ds.replicas, r.docID)
		ds.metrics.Replicas.Set(float64(len(ds.replicas)))
		ds.mu.Unlock()

		close(r.stop)
		ds.log.Info().Str("doc", r.docID).Msg("idle replica evicted")
	}
}

// Shutdown flushes every replica and waits for the workers.
func (ds *DocStore) Shutdown() {
	ds.cancel()
	ds.wg.Wait()
}

// replicaCount is a test hook.
func (ds *DocStore) replicaCount() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.replicas)
}
