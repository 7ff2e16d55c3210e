package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marlboro-red/fxi/internal/appdir"
	"github.com/marlboro-red/fxi/internal/cache"
	"github.com/marlboro-red/fxi/internal/config"
	"github.com/marlboro-red/fxi/internal/index"
	"github.com/marlboro-red/fxi/internal/query"
)

const (
	// queryCacheSize is the per-index LRU capacity of ranked result lists.
	queryCacheSize = 128
	// connIdleTimeout closes a connection with no traffic.
	connIdleTimeout = 30 * time.Second
	// drainTimeout bounds how long in-flight requests may run at shutdown.
	drainTimeout = 1500 * time.Millisecond
)

// cachedIndex bundles a shared reader with its query cache. The reader is
// immutable after open; the cache is mutex-guarded inside the LRU.
type cachedIndex struct {
	reader   *index.Reader
	executor *query.Executor
	results  *cache.LRU[string, []SearchMatch]
	lastUsed atomic.Int64
	tainted  atomic.Bool
}

func (ci *cachedIndex) touch() {
	ci.lastUsed.Store(time.Now().Unix())
}

// Daemon serves queries over a local socket, holding one cached index per
// codebase root.
type Daemon struct {
	socketPath string
	pidPath    string
	cfg        config.Config
	logger     *slog.Logger

	mu      sync.RWMutex
	indexes map[string]*cachedIndex

	listener net.Listener
	conns    sync.WaitGroup
	shutdown atomic.Bool
	done     chan struct{}

	startTime     time.Time
	queriesServed atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
}

// NewDaemon creates a daemon listening at socketPath (empty means the
// default resolution of §socket location).
func NewDaemon(socketPath string, cfg config.Config, logger *slog.Logger) *Daemon {
	if socketPath == "" {
		socketPath = appdir.SocketPath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		socketPath: socketPath,
		pidPath:    appdir.PidPath(),
		cfg:        cfg,
		logger:     logger,
		indexes:    make(map[string]*cachedIndex),
		done:       make(chan struct{}),
	}
}

// Run drives the daemon state machine: Starting (bind socket, write pid),
// Serving (accept loop), Draining (finish in-flight work) and Stopped
// (remove pid and socket files). It returns when ctx is cancelled or a
// Shutdown request arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.start(); err != nil {
		return err
	}
	d.logger.Info("daemon listening", "socket", d.socketPath)

	// connCtx cancels in-flight query work once the daemon drains or the
	// caller's context ends.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	go func() {
		select {
		case <-ctx.Done():
			d.Stop()
		case <-d.done:
		}
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if d.shutdown.Load() {
				break
			}
			d.logger.Error("accept failed", "error", err)
			continue
		}
		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			d.handleConn(connCtx, conn)
		}()
	}

	d.drain()
	d.cleanup()
	d.logger.Info("daemon stopped")
	return nil
}

func (d *Daemon) start() error {
	if dir := filepath.Dir(d.socketPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("server: create socket dir: %w", err)
		}
	}
	// Remove a stale socket from a previous run.
	if _, err := os.Stat(d.socketPath); err == nil {
		os.Remove(d.socketPath)
	}

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", d.socketPath, err)
	}
	d.listener = listener

	if err := os.Chmod(d.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("server: restrict socket permissions: %w", err)
	}
	if err := os.WriteFile(d.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		d.logger.Warn("could not write pid file", "path", d.pidPath, "error", err)
	}

	d.startTime = time.Now()
	return nil
}

// Stop moves the daemon to Draining: the accept loop exits on its next
// wakeup and no new connections are admitted.
func (d *Daemon) Stop() {
	if d.shutdown.CompareAndSwap(false, true) {
		close(d.done)
		if d.listener != nil {
			d.listener.Close()
		}
	}
}

// drain waits for in-flight connections, at most drainTimeout; survivors
// are abandoned.
func (d *Daemon) drain() {
	finished := make(chan struct{})
	go func() {
		d.conns.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(drainTimeout):
		d.logger.Warn("drain timeout, abandoning connections")
	}
}

func (d *Daemon) cleanup() {
	os.Remove(d.socketPath)
	os.Remove(d.pidPath)
	d.mu.Lock()
	defer d.mu.Unlock()
	for root, ci := range d.indexes {
		ci.reader.Close()
		delete(d.indexes, root)
	}
}

// handleConn serves one client until it closes, idles out, or the daemon
// drains. A worker that hits a non-recoverable error closes its own
// connection and leaves the daemon serving others.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// The per-connection context is cancelled when the worker returns.
	// Requests are dispatched synchronously and the connection is not read
	// during a query, so a client that disconnects mid-query does not cancel
	// that query; it runs to completion.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		if d.shutdown.Load() {
			return
		}
		conn.SetDeadline(time.Now().Add(connIdleTimeout))

		req, err := ReadRequest(conn)
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				d.logger.Warn("closing connection", "error", protoErr)
				WriteMessage(conn, &ErrorResponse{Type: TypeError, Message: protoErr.Error()})
			}
			return
		}

		resp := d.dispatch(ctx, req)
		if err := WriteMessage(conn, resp); err != nil {
			d.logger.Warn("write failed", "error", err)
			return
		}

		if req.Type == TypeShutdown {
			d.Stop()
			return
		}
	}
}

func (d *Daemon) dispatch(ctx context.Context, req *Request) any {
	switch req.Type {
	case TypePing:
		return &SimpleResponse{Type: TypePong}
	case TypeStatus:
		return d.handleStatus()
	case TypeSearch:
		return d.handleSearch(ctx, req)
	case TypeContentSearch:
		return d.handleContentSearch(ctx, req)
	case TypeReload:
		return d.handleReload(req)
	case TypeShutdown:
		return &SimpleResponse{Type: TypeShuttingDown}
	default:
		return &ErrorResponse{Type: TypeError,
			Message: fmt.Sprintf("unknown request type %q", req.Type)}
	}
}

// getIndex returns the cached index for root, loading it on first use with
// double-checked locking: the read lock covers the common path, the write
// lock only index loading.
func (d *Daemon) getIndex(rootPath string) (*cachedIndex, error) {
	canonical, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("server: resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(canonical); err == nil {
		canonical = resolved
	}

	d.mu.RLock()
	ci, ok := d.indexes[canonical]
	d.mu.RUnlock()
	if ok && !ci.tainted.Load() {
		ci.touch()
		return ci, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Re-check: another worker may have loaded it while we waited.
	if ci, ok := d.indexes[canonical]; ok && !ci.tainted.Load() {
		ci.touch()
		return ci, nil
	}

	if old, ok := d.indexes[canonical]; ok {
		old.reader.Close()
		delete(d.indexes, canonical)
	}

	ci, err = d.openIndex(canonical)
	if err != nil {
		return nil, err
	}
	d.indexes[canonical] = ci
	return ci, nil
}

func (d *Daemon) openIndex(canonical string) (*cachedIndex, error) {
	indexDir, err := appdir.IndexDir(canonical)
	if err != nil {
		return nil, err
	}
	reader, err := index.Open(indexDir)
	if err != nil {
		return nil, err
	}
	ci := &cachedIndex{
		reader:   reader,
		executor: query.NewExecutor(reader, d.cfg.Scoring, d.logger),
		results:  cache.NewLRU[string, []SearchMatch](queryCacheSize),
	}
	ci.touch()
	d.logger.Info("index loaded", "root", canonical, "docs", reader.DocCount())
	return ci, nil
}

// taintOnCorruption marks the cached reader for implicit reload when an
// index-level corruption surfaced during a query.
func (d *Daemon) taintOnCorruption(ci *cachedIndex, err error) {
	var corrupt *index.CorruptError
	if errors.As(err, &corrupt) {
		ci.tainted.Store(true)
		d.logger.Error("index tainted, will reload on next query", "error", err)
	}
}

func (d *Daemon) handleSearch(ctx context.Context, req *Request) any {
	start := time.Now()
	d.queriesServed.Add(1)

	ci, err := d.getIndex(req.RootPath)
	if err != nil {
		return &ErrorResponse{Type: TypeError, Message: err.Error()}
	}
	ci.touch()

	limit := req.Limit
	if limit <= 0 {
		limit = query.DefaultLimit
	}

	if matches, ok := ci.results.Get(req.Query); ok {
		d.cacheHits.Add(1)
		if len(matches) > limit {
			matches = matches[:limit]
		}
		return &SearchResponse{
			Type:       TypeSearch,
			Matches:    matches,
			DurationMS: durationMS(start),
			Cached:     true,
		}
	}
	d.cacheMisses.Add(1)

	q, err := query.Parse(req.Query)
	if err != nil {
		return &ErrorResponse{Type: TypeError, Message: err.Error()}
	}
	if q.IsEmpty() {
		return &SearchResponse{Type: TypeSearch, Matches: []SearchMatch{}, DurationMS: durationMS(start)}
	}

	plan := query.NewPlan(q, ci.reader)
	fileMatches, err := ci.executor.Execute(ctx, plan, query.ExecOptions{Limit: limit})
	if err != nil {
		d.taintOnCorruption(ci, err)
		return &ErrorResponse{Type: TypeError, Message: err.Error()}
	}

	matches := make([]SearchMatch, 0, len(fileMatches))
	for _, fm := range fileMatches {
		line := uint32(1)
		if len(fm.Lines) > 0 {
			line = fm.Lines[0].LineNumber
		}
		matches = append(matches, SearchMatch{
			DocID:      fm.DocID,
			Path:       fm.Path,
			LineNumber: line,
			Score:      fm.Score,
		})
	}
	ci.results.Put(req.Query, matches)

	return &SearchResponse{
		Type:       TypeSearch,
		Matches:    matches,
		DurationMS: durationMS(start),
		Cached:     false,
	}
}

func (d *Daemon) handleContentSearch(ctx context.Context, req *Request) any {
	start := time.Now()
	d.queriesServed.Add(1)

	ci, err := d.getIndex(req.RootPath)
	if err != nil {
		return &ErrorResponse{Type: TypeError, Message: err.Error()}
	}
	ci.touch()

	limit := req.Limit
	if limit <= 0 {
		limit = query.DefaultLimit
	}

	plan := query.NewContentPlan(req.Pattern, req.Options.CaseInsensitive, ci.reader)
	fileMatches, err := ci.executor.Execute(ctx, plan, query.ExecOptions{
		Limit:         limit,
		ContextBefore: req.Options.ContextBefore,
		ContextAfter:  req.Options.ContextAfter,
		FilesOnly:     req.Options.FilesOnly,
	})
	if err != nil {
		d.taintOnCorruption(ci, err)
		return &ErrorResponse{Type: TypeError, Message: err.Error()}
	}

	var matches []ContentMatch
	for _, fm := range fileMatches {
		for _, lm := range fm.Lines {
			matches = append(matches, ContentMatch{
				Path:          fm.Path,
				LineNumber:    lm.LineNumber,
				LineContent:   lm.LineContent,
				MatchStart:    lm.MatchStart,
				MatchEnd:      lm.MatchEnd,
				ContextBefore: toContextLines(lm.Before),
				ContextAfter:  toContextLines(lm.After),
			})
		}
	}

	return &ContentSearchResponse{
		Type:             TypeContentSearch,
		Matches:          matches,
		DurationMS:       durationMS(start),
		FilesWithMatches: len(fileMatches),
	}
}

func (d *Daemon) handleReload(req *Request) any {
	canonical, err := filepath.Abs(req.RootPath)
	if err != nil {
		return &ReloadedResponse{Type: TypeReloaded, Success: false, Message: err.Error()}
	}
	if resolved, err := filepath.EvalSymlinks(canonical); err == nil {
		canonical = resolved
	}

	d.mu.Lock()
	if old, ok := d.indexes[canonical]; ok {
		old.results.Clear()
		old.reader.Close()
		delete(d.indexes, canonical)
	}
	d.mu.Unlock()

	ci, err := d.getIndex(canonical)
	if err != nil {
		return &ReloadedResponse{Type: TypeReloaded, Success: false, Message: err.Error()}
	}
	return &ReloadedResponse{
		Type:    TypeReloaded,
		Success: true,
		Message: fmt.Sprintf("reloaded %d documents", ci.reader.DocCount()),
	}
}

func (d *Daemon) handleStatus() any {
	d.mu.RLock()
	roots := make([]string, 0, len(d.indexes))
	var totalDocs uint32
	for root, ci := range d.indexes {
		roots = append(roots, root)
		totalDocs += ci.reader.DocCount()
	}
	d.mu.RUnlock()

	hits := d.cacheHits.Load()
	misses := d.cacheMisses.Load()
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &StatusResponse{
		Type:          TypeStatus,
		UptimeSecs:    uint64(time.Since(d.startTime).Seconds()),
		IndexesLoaded: len(roots),
		TotalDocs:     totalDocs,
		QueriesServed: d.queriesServed.Load(),
		CacheHitRate:  hitRate,
		MemoryBytes:   mem.HeapAlloc,
		LoadedRoots:   roots,
	}
}

func toContextLines(lines []query.ContextLine) []ContextLine {
	if len(lines) == 0 {
		return nil
	}
	out := make([]ContextLine, len(lines))
	for i, l := range lines {
		out[i] = ContextLine{LineNumber: l.LineNumber, Text: l.Text}
	}
	return out
}

func durationMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
