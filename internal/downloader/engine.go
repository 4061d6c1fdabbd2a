// Package downloader coordinates a full retrieval run: discover each
// fund's portal target with a shared session, fan the funds out across a
// pool of independently authenticated sessions, wait for every artifact
// to land, then route the results to their destinations.
package downloader

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bloko-capital/fundsync/internal/catalog"
	"github.com/bloko-capital/fundsync/internal/portal"
	"github.com/bloko-capital/fundsync/internal/report"
	"github.com/bloko-capital/fundsync/internal/resilience"
	"github.com/bloko-capital/fundsync/internal/router"
	"github.com/bloko-capital/fundsync/internal/scratch"
)

// State tracks where a run is in its lifecycle.
type State int

const (
	Idle State = iota
	Discovering
	Dispatching
	Collecting
	Routing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case Dispatching:
		return "dispatching"
	case Collecting:
		return "collecting"
	case Routing:
		return "routing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Phase names the stage at which a fund's retrieval failed.
type Phase string

const (
	PhaseDiscover Phase = "discover"
	PhaseAuth     Phase = "auth"
	PhaseTrigger  Phase = "trigger"
	PhaseAwait    Phase = "await"
	PhaseRoute    Phase = "route"
)

// Result records the outcome for one fund. A nil Err means the fund's
// artifact was retrieved.
type Result struct {
	Fund  string
	Phase Phase
	Err   error
}

// Summary aggregates a run. Every fund in the catalog appears in exactly
// one Result.
type Summary struct {
	Total   int
	Success int
	Errors  int
	Routed  int
	Results map[string]Result
}

// Config tunes a run. Zero values fall back to the defaults below.
type Config struct {
	// Workers bounds the session pool.
	Workers int
	// Type selects which report every fund is asked for.
	Type report.Type
	// From and To bound the reference period. Equal values request a
	// single-date report; a range requests a batch archive.
	From, To time.Time
	// AwaitTimeout bounds how long a worker waits for one artifact.
	AwaitTimeout time.Duration
	// Retry governs authentication and discovery attempts.
	Retry resilience.RetryConfig
}

const defaultWorkers = 10

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 45 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
	// One retry policy regardless of how the config was built: everything
	// is worth another attempt except a credential rejection.
	if c.Retry.ShouldRetry == nil {
		c.Retry.ShouldRetry = func(err error) bool {
			return !eris.Is(err, portal.ErrAuth)
		}
	}
	return c
}

// target pairs a fund with its discovered portal location.
type target struct {
	fund catalog.Fund
	loc  *portal.Locator
}

// Engine runs retrievals. Construct one per run configuration; Run may be
// called repeatedly.
type Engine struct {
	cat     *catalog.Catalog
	factory portal.Factory
	area    *scratch.Area
	routes  *router.Router
	fs      afero.Fs
	cfg     Config
	log     *zap.Logger

	mu      sync.Mutex
	state   State
	results map[string]Result
	// owners maps an awaited artifact path to the fund whose wait it
	// satisfied, so routing never re-attributes it by filename.
	owners map[string]catalog.Fund
}

// New assembles an engine over the given collaborators.
func New(cat *catalog.Catalog, factory portal.Factory, area *scratch.Area, routes *router.Router, fs afero.Fs, cfg Config) *Engine {
	return &Engine{
		cat:     cat,
		factory: factory,
		area:    area,
		routes:  routes,
		fs:      fs,
		cfg:     cfg.withDefaults(),
		log:     zap.L().Named("downloader"),
	}
}

// Run executes the full protocol and returns the aggregated summary. A
// fund-level failure is recorded, never propagated; the returned error is
// reserved for run-fatal conditions such as shared-session authentication
// exhaustion.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	e.mu.Lock()
	e.results = make(map[string]Result, e.cat.Len())
	e.owners = make(map[string]catalog.Fund)
	e.mu.Unlock()

	if err := e.area.Clean(); err != nil {
		e.setState(Failed)
		return nil, eris.Wrap(err, "downloader: prepare scratch area")
	}
	defer func() {
		if err := e.area.Purge(); err != nil {
			e.log.Warn("scratch purge failed", zap.Error(err))
		}
	}()

	targets, err := e.discover(ctx)
	if err != nil {
		e.setState(Failed)
		return nil, err
	}

	e.dispatch(ctx, targets)

	routed := 0
	if ctx.Err() == nil {
		routed = e.route()
	} else {
		e.log.Warn("run canceled, skipping routing", zap.Error(ctx.Err()))
	}

	e.setState(Done)
	return e.summarize(routed), nil
}

// discover authenticates one shared session and locates every enabled
// fund. Funds the portal does not list are recorded as failures here and
// never dispatched.
func (e *Engine) discover(ctx context.Context) ([]target, error) {
	e.setState(Discovering)

	dir, err := e.area.WorkerDir(0)
	if err != nil {
		return nil, eris.Wrap(err, "downloader: create discovery scratch dir")
	}
	sess, err := e.factory(0, dir)
	if err != nil {
		return nil, eris.Wrap(err, "downloader: create discovery session")
	}
	defer func() {
		if err := sess.Close(); err != nil {
			e.log.Warn("discovery session close failed", zap.Error(err))
		}
	}()

	if err := resilience.Do(ctx, e.retryPolicy("authenticate"), sess.Authenticate); err != nil {
		return nil, eris.Wrap(err, "downloader: shared session authentication")
	}

	targets := make([]target, 0, e.cat.Len())
	for _, fund := range e.cat.Funds() {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "downloader: discovery canceled")
		}

		loc, err := resilience.DoVal(ctx, e.retryPolicy("locate "+fund.Name), func(ctx context.Context) (*portal.Locator, error) {
			return sess.LocateFund(ctx, fund)
		})
		switch {
		case err != nil:
			e.record(fund.Name, PhaseDiscover, err)
		case loc == nil:
			e.record(fund.Name, PhaseDiscover, eris.Errorf("fund %s not listed on portal", fund.Name))
		default:
			targets = append(targets, target{fund: fund, loc: loc})
		}
	}

	e.log.Info("discovery complete",
		zap.Int("located", len(targets)),
		zap.Int("missing", e.cat.Len()-len(targets)))
	return targets, nil
}

// dispatch fans the located funds out across the session pool. Funds are
// partitioned round-robin so a session failure degrades only its own
// share; completion order across workers is unordered.
func (e *Engine) dispatch(ctx context.Context, targets []target) {
	e.setState(Dispatching)

	workers := e.cfg.Workers
	if len(targets) < workers {
		workers = len(targets)
	}
	if workers == 0 {
		e.setState(Collecting)
		return
	}

	shares := make([][]target, workers)
	for i, tg := range targets {
		shares[i%workers] = append(shares[i%workers], tg)
	}

	g := new(errgroup.Group)
	for id := 1; id <= workers; id++ {
		id := id
		share := shares[id-1]
		g.Go(func() error {
			e.runWorker(ctx, id, share)
			return nil // worker failures land in the result set
		})
	}
	_ = g.Wait()

	e.setState(Collecting)
}

// runWorker owns one pooled session for the life of the dispatch phase.
// An authentication failure degrades the queued funds this worker would
// have taken to error results; it does not touch other workers.
func (e *Engine) runWorker(ctx context.Context, id int, share []target) {
	log := e.log.With(zap.Int("worker", id))

	dir, err := e.area.WorkerDir(id)
	if err != nil {
		log.Error("scratch dir creation failed", zap.Error(err))
		e.drain(share, PhaseAuth, err)
		return
	}
	sess, err := e.factory(id, dir)
	if err != nil {
		log.Error("session creation failed", zap.Error(err))
		e.drain(share, PhaseAuth, err)
		return
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("session close failed", zap.Error(err))
		}
	}()

	if err := resilience.Do(ctx, e.retryPolicy("authenticate"), sess.Authenticate); err != nil {
		log.Error("authentication exhausted", zap.Error(err))
		e.drain(share, PhaseAuth, err)
		return
	}

	for _, tg := range share {
		if ctx.Err() != nil {
			e.record(tg.fund.Name, PhaseTrigger, eris.Wrap(ctx.Err(), "run canceled"))
			continue
		}
		e.processFund(ctx, sess, tg, log)
	}
}

// processFund triggers one report and waits for its artifact. A timeout
// is a typed outcome, not an error from the detector, so the worker can
// record it and move on to its next fund.
func (e *Engine) processFund(ctx context.Context, sess portal.Session, tg target, log *zap.Logger) {
	// Artifacts completed for earlier funds stay in the worker dir until
	// routing; the baseline keeps them from satisfying this fund's wait.
	baseline := time.Now()
	if err := sess.TriggerReport(ctx, tg.loc, e.cfg.Type, e.cfg.From, e.cfg.To); err != nil {
		log.Warn("trigger failed", zap.String("fund", tg.fund.Name), zap.Error(err))
		e.record(tg.fund.Name, PhaseTrigger, err)
		return
	}

	spec := scratch.Spec{
		Extensions: e.awaitExtensions(),
		Token:      e.awaitToken(tg.fund),
		After:      baseline,
		Timeout:    e.cfg.AwaitTimeout,
	}
	path, ok, err := scratch.Await(ctx, e.fs, sess.ScratchDir(), spec)
	switch {
	case err != nil:
		e.record(tg.fund.Name, PhaseAwait, err)
	case !ok:
		log.Warn("artifact never completed",
			zap.String("fund", tg.fund.Name),
			zap.Duration("timeout", e.cfg.AwaitTimeout))
		e.record(tg.fund.Name, PhaseAwait, eris.Errorf("no artifact within %s", e.cfg.AwaitTimeout))
	default:
		log.Info("artifact ready",
			zap.String("fund", tg.fund.Name),
			zap.String("file", filepath.Base(path)))
		e.recordOwner(path, tg.fund)
		e.record(tg.fund.Name, "", nil)
	}
}

// awaitExtensions lists what a completed artifact may look like. The web
// transport delivers date ranges as archives while the API transport
// downloads the individual files, so a range waits on both shapes.
func (e *Engine) awaitExtensions() []string {
	if e.batch() {
		return []string{".zip", e.cfg.Type.Extension()}
	}
	return []string{e.cfg.Type.Extension()}
}

// awaitToken narrows the detector to this fund's artifact. Batch archives
// carry portal-assigned names with no reliable fund token, so the worker
// falls back to extension matching alone and relies on the modification
// baseline to tell consecutive funds' archives apart.
func (e *Engine) awaitToken(fund catalog.Fund) string {
	if e.batch() {
		return ""
	}
	return fund.Token
}

func (e *Engine) batch() bool {
	return !e.cfg.From.Equal(e.cfg.To)
}

// route files every completed artifact left in the scratch area. Archives
// are expanded and attributed per member; loose files go to the fund
// whose wait they satisfied, with filename attribution as a fallback.
// Per-artifact failures are logged and counted, never fatal.
func (e *Engine) route() int {
	e.setState(Routing)

	dirs, err := e.area.WorkerDirs()
	if err != nil {
		e.log.Error("scratch scan failed", zap.Error(err))
		return 0
	}

	routed := 0
	for _, dir := range dirs {
		infos, err := afero.ReadDir(e.fs, dir)
		if err != nil {
			e.log.Warn("scratch dir unreadable", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, info := range infos {
			if info.IsDir() {
				continue
			}
			routed += e.routeArtifact(filepath.Join(dir, info.Name()))
		}
	}
	e.log.Info("routing complete", zap.Int("routed", routed))
	return routed
}

func (e *Engine) routeArtifact(path string) int {
	name := filepath.Base(path)
	switch {
	case strings.EqualFold(filepath.Ext(name), ".zip"):
		n, err := e.routes.RouteArchive(path, e.cfg.Type, e.cfg.To)
		if err != nil {
			e.log.Warn("archive routing failed", zap.String("archive", name), zap.Error(err))
			return 0
		}
		return n
	case strings.EqualFold(filepath.Ext(name), e.cfg.Type.Extension()):
		// The fund recorded at await time wins; filename attribution is
		// only for files no wait returned, such as the extra members of a
		// multi-file range download.
		fund, ok := e.owner(path)
		if !ok {
			fund, ok = e.cat.Match(name)
		}
		if !ok {
			e.log.Warn("artifact matches no fund", zap.String("file", name))
			return 0
		}
		if err := e.routes.RouteFile(path, fund, e.cfg.Type, e.cfg.To); err != nil {
			e.log.Warn("file routing failed", zap.String("file", name), zap.Error(err))
			return 0
		}
		return 1
	default:
		// Leftover markers and unrelated files are discarded with the
		// scratch purge.
		return 0
	}
}

// drain converts a worker's unprocessed share into error results.
func (e *Engine) drain(share []target, phase Phase, err error) {
	for _, tg := range share {
		e.record(tg.fund.Name, phase, err)
	}
}

func (e *Engine) retryPolicy(operation string) resilience.RetryConfig {
	cfg := e.cfg.Retry
	cfg.OnRetry = resilience.RetryLogger(operation)
	return cfg
}

func (e *Engine) record(fund string, phase Phase, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[fund] = Result{Fund: fund, Phase: phase, Err: err}
}

func (e *Engine) recordOwner(path string, fund catalog.Fund) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.owners[path] = fund
}

func (e *Engine) owner(path string) (catalog.Fund, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fund, ok := e.owners[path]
	return fund, ok
}

func (e *Engine) summarize(routed int) *Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &Summary{
		Total:   len(e.results),
		Routed:  routed,
		Results: make(map[string]Result, len(e.results)),
	}
	for fund, res := range e.results {
		s.Results[fund] = res
		if res.Err == nil {
			s.Success++
		} else {
			s.Errors++
		}
	}
	return s
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	e.log.Debug("state transition",
		zap.Stringer("from", prev),
		zap.Stringer("to", s))
}

// CurrentState reports the engine's lifecycle state.
func (e *Engine) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
