// Package pipeline orchestrates one full database build: recover the
// previous components cache, scrape the catalog into it, apply retention,
// build the per-profile parts views, split everything into release chunks
// and publish the lot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/jlcdb/chunker"
	"github.com/hazyhaar/jlcdb/idgen"
	"github.com/hazyhaar/jlcdb/internal/config"
	"github.com/hazyhaar/jlcdb/internal/jlcapi"
	"github.com/hazyhaar/jlcdb/internal/partsview"
	"github.com/hazyhaar/jlcdb/internal/release"
	"github.com/hazyhaar/jlcdb/internal/store"
)

// ErrLocked means another run owns the working directory.
var ErrLocked = errors.New("pipeline: working directory is locked by another run")

// ProfileError carries a single profile's build failure. Profile builds are
// isolated: one failing does not stop its siblings, but any failure marks
// the run failed and suppresses publishing.
type ProfileError struct {
	Profile string
	Err     error
}

func (e *ProfileError) Error() string {
	return fmt.Sprintf("profile %q: %v", e.Profile, e.Err)
}

func (e *ProfileError) Unwrap() error { return e.Err }

// Stage names, in run order.
const (
	StageFetchPrevious = "fetch_previous"
	StageJoin          = "join"
	StageScrape        = "scrape"
	StageAgeOut        = "age_out"
	StageCompact       = "compact"
	StageCheck         = "integrity_check"
	StageBuild         = "build_parts_views"
	StageSplit         = "split"
	StagePublish       = "publish"
)

// Stage outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// StageResult records one stage of a run.
type StageResult struct {
	Stage    string
	Outcome  string
	Duration time.Duration
	Err      error
}

// ProfileOutcome records one parts-view build.
type ProfileOutcome struct {
	Profile string
	Err     error
	Result  partsview.Result
}

// Report summarizes a run for operators.
type Report struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Stages    []StageResult
	Profiles  []ProfileOutcome
	Stats     store.Stats
	Scraped   int
	AgedOut   int64
	Compacted int64
	Published bool
}

// Failed reports whether any stage or profile failed.
func (r *Report) Failed() bool {
	for _, stage := range r.Stages {
		if stage.Outcome == OutcomeFailed {
			return true
		}
	}
	for _, profile := range r.Profiles {
		if profile.Err != nil {
			return true
		}
	}
	return false
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock fixes the time source. The clock's value at run start becomes
// the build time for every profile of that run.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithRunIDs sets the run ID generator.
func WithRunIDs(gen idgen.Generator) Option {
	return func(p *Pipeline) { p.newRunID = gen }
}

// Pipeline runs the build state machine over one working directory.
type Pipeline struct {
	cfg       *config.Config
	logger    *slog.Logger
	api       *jlcapi.Client
	fetcher   *release.Client
	publisher *release.Publisher
	now       func() time.Time
	newRunID  idgen.Generator
}

// New creates a Pipeline from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: logger,
		api: jlcapi.New(jlcapi.Config{
			BaseURL:     cfg.Upstream.BaseURL,
			PageSize:    cfg.Upstream.PageSize,
			RateEvery:   cfg.Upstream.RateEvery,
			MaxAttempts: cfg.Upstream.MaxAttempts,
		}, logger),
		fetcher: release.NewClient(release.Config{
			Timeout:     cfg.Previous.Timeout,
			MaxAttempts: cfg.Previous.MaxAttempts,
		}, logger),
		publisher: release.NewPublisher(cfg.ReleaseDir, logger),
		now:       time.Now,
		newRunID:  idgen.Timestamped(idgen.UUIDv7()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) cachePath() string {
	return filepath.Join(p.cfg.WorkDir, p.cfg.CacheName)
}

// Run executes the full state machine. The returned Report is non-nil even
// on failure; err is the first fatal error. Publishing is suppressed when
// anything failed, leaving previously published artifacts untouched.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: p.newRunID(), Started: p.now()}
	logger := p.logger.With("run_id", report.RunID)

	unlock, err := p.lock(report.RunID)
	if err != nil {
		return report, err
	}
	defer unlock()

	buildTime := report.Started.UTC()
	var st *store.Store

	runErr := func() error {
		fetched, err := p.stage(ctx, report, StageFetchPrevious, func() (string, error) {
			return p.fetchPrevious(ctx)
		})
		if err != nil {
			return err
		}
		if _, err := p.stage(ctx, report, StageJoin, func() (string, error) {
			return p.joinPrevious(fetched)
		}); err != nil {
			return err
		}

		st, err = store.Open(p.cachePath(), logger)
		if err != nil {
			return fmt.Errorf("open components cache: %w", err)
		}

		if _, err := p.stage(ctx, report, StageScrape, func() (string, error) {
			scraped, err := p.scrape(ctx, st, buildTime)
			report.Scraped = scraped
			return fmt.Sprintf("%d components", scraped), err
		}); err != nil {
			return err
		}

		if _, err := p.stage(ctx, report, StageAgeOut, func() (string, error) {
			aged, err := st.AgeOutStock(ctx, buildTime, p.cfg.StockMaxAge())
			report.AgedOut = aged
			return fmt.Sprintf("%d rows", aged), err
		}); err != nil {
			return err
		}

		if _, err := p.stage(ctx, report, StageCompact, func() (string, error) {
			compacted, err := st.Compact(ctx, buildTime, p.cfg.CompactRetention())
			report.Compacted = compacted
			return fmt.Sprintf("%d rows", compacted), err
		}); err != nil {
			return err
		}

		if _, err := p.stage(ctx, report, StageCheck, func() (string, error) {
			return "", st.Check(ctx)
		}); err != nil {
			return err
		}
		if report.Stats, err = st.Stats(ctx); err != nil {
			return err
		}

		p.buildProfiles(ctx, report, st, buildTime)

		if _, err := p.stage(ctx, report, StageSplit, func() (string, error) {
			return p.splitArtifacts(ctx, st, report)
		}); err != nil {
			return err
		}

		if report.Failed() {
			report.Stages = append(report.Stages, StageResult{
				Stage: StagePublish, Outcome: OutcomeSkipped,
			})
			logger.WarnContext(ctx, "publish suppressed, run has failures")
			return errors.Join(profileErrs(report)...)
		}

		if _, err := p.stage(ctx, report, StagePublish, func() (string, error) {
			err := p.publisher.Publish(ctx, p.artifactDirs(report))
			if err == nil {
				report.Published = true
			}
			return "", err
		}); err != nil {
			return err
		}
		return nil
	}()

	if st != nil {
		if err := st.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("close components cache: %w", err)
		}
	}
	report.Finished = p.now()
	logger.InfoContext(ctx, "run finished",
		"failed", report.Failed(),
		"published", report.Published,
		"duration", report.Finished.Sub(report.Started))
	return report, runErr
}

func profileErrs(report *Report) []error {
	var errs []error
	for _, outcome := range report.Profiles {
		if outcome.Err != nil {
			errs = append(errs, &ProfileError{Profile: outcome.Profile, Err: outcome.Err})
		}
	}
	return errs
}

// stage runs fn, records the outcome and logs it. A "skip" detail of
// skipOutcome marks the stage skipped rather than ok.
func (p *Pipeline) stage(ctx context.Context, report *Report, name string, fn func() (string, error)) (string, error) {
	start := p.now()
	detail, err := fn()
	result := StageResult{Stage: name, Duration: p.now().Sub(start), Err: err}
	switch {
	case err != nil:
		result.Outcome = OutcomeFailed
	case detail == skipped:
		result.Outcome = OutcomeSkipped
	default:
		result.Outcome = OutcomeOK
	}
	report.Stages = append(report.Stages, result)

	if err != nil {
		p.logger.ErrorContext(ctx, "stage failed", "stage", name, "error", err)
		return detail, fmt.Errorf("stage %s: %w", name, err)
	}
	p.logger.InfoContext(ctx, "stage done",
		"stage", name, "outcome", result.Outcome, "detail", detail,
		"duration", result.Duration)
	return detail, nil
}

const skipped = "skipped"

// fetchPrevious downloads the previous run's cache chunks. Returns the
// chunks directory, or skipped when there is no source or no artifact yet.
func (p *Pipeline) fetchPrevious(ctx context.Context) (string, error) {
	if p.cfg.Previous.BaseURL == "" {
		return skipped, nil
	}
	destDir := filepath.Join(p.cfg.WorkDir, "previous")
	_, err := p.fetcher.FetchArtifact(ctx, p.cfg.Previous.BaseURL, destDir)
	if errors.Is(err, release.ErrNoManifest) {
		p.logger.InfoContext(ctx, "no previous artifact, bootstrapping fresh cache")
		return skipped, nil
	}
	if err != nil {
		return "", err
	}
	return destDir, nil
}

// joinPrevious reassembles the fetched chunks into the working cache.
func (p *Pipeline) joinPrevious(chunksDir string) (string, error) {
	if chunksDir == skipped {
		return skipped, nil
	}
	if err := chunker.Assemble(chunksDir, p.cachePath(), nil); err != nil {
		return "", err
	}
	return p.cachePath(), nil
}

// scrape walks every upstream category and upserts each page into the cache.
func (p *Pipeline) scrape(ctx context.Context, st *store.Store, now time.Time) (int, error) {
	categories, err := p.api.FetchCategories(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("fetch categories: %w", err)
	}
	categories = jlcapi.CollapseCategories(categories, p.cfg.Upstream.CollapseLimit)
	p.logger.InfoContext(ctx, "scraping catalog", "categories", len(categories))

	total := 0
	for _, category := range categories {
		pager := jlcapi.NewPager(p.api, category)
		err := pager.FetchAll(ctx, func(page []jlcapi.Component) error {
			if err := st.Upsert(ctx, page, now); err != nil {
				return err
			}
			total += len(page)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("scrape %s: %w", category, err)
		}
	}

	if fixed, err := st.FixDescriptions(ctx); err != nil {
		return total, err
	} else if fixed > 0 {
		p.logger.InfoContext(ctx, "backfilled descriptions", "rows", fixed)
	}
	return total, nil
}

// buildProfiles runs every profile build concurrently over the same
// read-only snapshot. Failures are recorded per profile, never propagated
// between siblings.
func (p *Pipeline) buildProfiles(ctx context.Context, report *Report, st *store.Store, buildTime time.Time) {
	builder := partsview.NewBuilder(st, p.logger)
	viewsDir := filepath.Join(p.cfg.WorkDir, "views")

	start := p.now()
	outcomes := make([]ProfileOutcome, len(p.cfg.Profiles))
	var wg sync.WaitGroup
	for i, profile := range p.cfg.Profiles {
		wg.Add(1)
		go func(i int, profile partsview.Profile) {
			defer wg.Done()
			outPath := filepath.Join(viewsDir, profile.Name+".sqlite3")
			result, err := builder.Build(ctx, profile, outPath, buildTime)
			outcomes[i] = ProfileOutcome{Profile: profile.Name, Err: err, Result: result}
			if err != nil {
				p.logger.ErrorContext(ctx, "profile build failed",
					"profile", profile.Name, "error", err)
			}
		}(i, profile)
	}
	wg.Wait()
	report.Profiles = outcomes

	result := StageResult{
		Stage:    StageBuild,
		Outcome:  OutcomeOK,
		Duration: p.now().Sub(start),
	}
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			result.Outcome = OutcomeFailed
			break
		}
	}
	report.Stages = append(report.Stages, result)
}

// splitArtifacts chunks the cache plus every successfully built view into
// per-artifact chunk directories under the working dir.
func (p *Pipeline) splitArtifacts(ctx context.Context, st *store.Store, report *Report) (string, error) {
	// The cache is open in WAL mode; checkpoint so the main file holds
	// every committed page before it is hashed and split.
	if _, err := st.DB().ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return "", fmt.Errorf("checkpoint cache: %w", err)
	}

	artifactsDir := filepath.Join(p.cfg.WorkDir, "artifacts")
	split := func(name, src string) error {
		outDir := filepath.Join(artifactsDir, name)
		if err := os.RemoveAll(outDir); err != nil {
			return err
		}
		manifest, err := chunker.Split(src, outDir, p.cfg.ChunkSizeBytes(), nil)
		if err != nil {
			return fmt.Errorf("split %s: %w", name, err)
		}
		p.logger.InfoContext(ctx, "split artifact",
			"artifact", name, "chunks", manifest.TotalChunks,
			"bytes", chunker.FormatBytes(manifest.OriginalSize))
		return nil
	}

	if err := split("cache", p.cachePath()); err != nil {
		return "", err
	}
	count := 1
	for _, outcome := range report.Profiles {
		if outcome.Err != nil {
			continue
		}
		if err := split(outcome.Profile, outcome.Result.Path); err != nil {
			return "", err
		}
		count++
	}
	return fmt.Sprintf("%d artifacts", count), nil
}

// artifactDirs maps artifact names to their chunk directories for publish.
func (p *Pipeline) artifactDirs(report *Report) map[string]string {
	artifactsDir := filepath.Join(p.cfg.WorkDir, "artifacts")
	dirs := map[string]string{"cache": filepath.Join(artifactsDir, "cache")}
	for _, outcome := range report.Profiles {
		if outcome.Err == nil {
			dirs[outcome.Profile] = filepath.Join(artifactsDir, outcome.Profile)
		}
	}
	return dirs
}

// lock takes the working directory's exclusive run lock.
func (p *Pipeline) lock(runID string) (func(), error) {
	if err := os.MkdirAll(p.cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	path := filepath.Join(p.cfg.WorkDir, ".jlcdb.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("take run lock: %w", err)
	}
	fmt.Fprintf(f, "%s pid=%d\n", runID, os.Getpid())
	f.Close()
	return func() { os.Remove(path) }, nil
}
