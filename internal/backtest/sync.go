package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cryptobots/internal/exchange"
	"cryptobots/internal/logger"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

// RangedSource pulls historical candles by time range (unix ms, inclusive).
// The live gateway implements this alongside its recent-history source.
type RangedSource interface {
	FetchRange(ctx context.Context, instrument, interval string, start, end int64, limit int) ([]exchange.Candle, error)
}

// FetchParams describes a sync job submission.
type FetchParams struct {
	Instrument string `json:"instrument"`
	Timeframe  string `json:"timeframe"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
}

// FetchJob tracks one background candle sync.
type FetchJob struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Params    FetchParams `json:"params"`
	Total     int64       `json:"total"`
	Completed int64       `json:"completed"`
	Message   string      `json:"message,omitempty"`
	Missing   []Gap       `json:"missing,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (j *FetchJob) copy() FetchJob {
	out := *j
	out.Missing = append([]Gap(nil), j.Missing...)
	out.Warnings = append([]string(nil), j.Warnings...)
	return out
}

// SyncConfig configures the candle sync service.
type SyncConfig struct {
	Store           *Store
	Source          RangedSource
	RateLimitPerMin int
	MaxBatch        int
	MaxConcurrent   int
}

// SyncService fills candle store gaps from the venue, one job per requested
// range. Pulls are rate limited and jobs run on a bounded worker pool.
type SyncService struct {
	store    *Store
	source   RangedSource
	maxBatch int

	limiter *rate.Limiter
	sem     chan struct{}

	mu   sync.RWMutex
	jobs map[string]*FetchJob

	baseCtx context.Context
}

func NewSyncService(cfg SyncConfig) (*SyncService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sync service requires a store")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("sync service requires a candle source")
	}
	perSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		perSec = 8
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &SyncService{
		store:    cfg.Store,
		source:   cfg.Source,
		maxBatch: maxBatch,
		limiter:  rate.NewLimiter(perSec, maxBatch),
		sem:      make(chan struct{}, maxConcurrent),
		jobs:     make(map[string]*FetchJob),
		baseCtx:  context.Background(),
	}, nil
}

// SetContext injects the host context so jobs stop on shutdown.
func (s *SyncService) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *SyncService) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// SubmitFetch checks coverage for the requested range and schedules a gap
// fill when anything is missing. Complete ranges resolve immediately.
func (s *SyncService) SubmitFetch(params FetchParams) (FetchJob, error) {
	if params.Instrument == "" {
		return FetchJob{}, fmt.Errorf("instrument required")
	}
	tf, err := ParseTimeframe(params.Timeframe)
	if err != nil {
		return FetchJob{}, err
	}
	start, end := tf.AlignRange(params.Start, params.End)
	if start <= 0 || end <= start {
		return FetchJob{}, fmt.Errorf("start/end do not form a range")
	}
	params.Start, params.End = start, end

	report, err := s.store.CheckIntegrity(s.ctx(), params.Instrument, tf.Key, tf, start, end)
	if err != nil {
		return FetchJob{}, err
	}
	job := &FetchJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    params,
		Total:     report.Expected,
		Completed: report.Present,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
		Missing:   append([]Gap{}, report.Gaps...),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	logger.Infof("backtest sync %s: %s %s [%d,%d] expected=%d gaps=%d",
		job.ID, params.Instrument, tf.Key, start, end, report.Expected, len(report.Gaps))

	if report.Complete() {
		s.setJobStatus(job.ID, JobStatusDone, "range already complete", nil)
		return job.copy(), nil
	}

	go s.runJob(job.ID, tf, report)
	return job.copy(), nil
}

func (s *SyncService) runJob(jobID string, tf Timeframe, report IntegrityReport) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		s.setJobStatus(jobID, JobStatusFailed, "service shutting down", nil)
		return
	}
	defer func() { <-s.sem }()

	job := s.getJob(jobID)
	if job == nil {
		return
	}
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = JobStatusRunning
		j.Message = ""
	})

	params := job.Params
	ctx := s.ctx()
	step := tf.durationMillis()
	var warnings []string

	for _, gap := range report.Gaps {
		cursor := gap.From
		for cursor <= gap.To {
			if err := ctx.Err(); err != nil {
				s.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				s.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
				return
			}
			remaining := int((gap.To-cursor)/step) + 1
			if remaining < 1 {
				remaining = 1
			}
			if remaining > s.maxBatch {
				remaining = s.maxBatch
			}
			data, err := s.source.FetchRange(ctx, params.Instrument, tf.SourceInterval, cursor, gap.To, remaining)
			if err != nil {
				s.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("fetch failed: %v", err), nil)
				return
			}
			if len(data) == 0 {
				warnings = append(warnings, fmt.Sprintf("empty pull for [%d,%d]", cursor, gap.To))
				break
			}
			inserted, err := s.store.InsertCandles(ctx, params.Instrument, tf.Key, data)
			if err != nil {
				s.setJobStatus(jobID, JobStatusFailed, fmt.Sprintf("insert failed: %v", err), nil)
				return
			}
			cursor = data[len(data)-1].OpenTime + step
			s.updateJob(jobID, func(j *FetchJob) {
				j.Completed += int64(inserted)
				j.UpdatedAt = time.Now()
				if warnings != nil {
					j.Warnings = warnings
				}
			})
			if inserted == 0 {
				break
			}
		}
	}

	final, err := s.store.CheckIntegrity(ctx, params.Instrument, tf.Key, tf, params.Start, params.End)
	status := JobStatusDone
	message := "sync complete"
	if err != nil {
		status = JobStatusFailed
		warnings = append(warnings, "integrity check failed: "+err.Error())
	} else if !final.Complete() {
		status = JobStatusPartial
		message = "sync finished with remaining gaps"
	}
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, final.Gaps...)
		j.UpdatedAt = time.Now()
		if len(warnings) > 0 {
			j.Warnings = append([]string{}, warnings...)
		}
	})
	logger.Infof("backtest sync %s finished status=%s gaps=%d", jobID, status, len(final.Gaps))
}

func (s *SyncService) setJobStatus(jobID, status, message string, gaps []Gap) {
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, gaps...)
		j.UpdatedAt = time.Now()
	})
}

func (s *SyncService) getJob(id string) *FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

func (s *SyncService) updateJob(id string, fn func(*FetchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && fn != nil {
		fn(job)
	}
}

// JobSnapshot returns a copy of one job.
func (s *SyncService) JobSnapshot(id string) (FetchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return FetchJob{}, false
	}
	return job.copy(), true
}

// JobsSnapshot returns copies of every known job.
func (s *SyncService) JobsSnapshot() []FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FetchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	return out
}

// ManifestInfo reads the local manifest for one dataset.
func (s *SyncService) ManifestInfo(ctx context.Context, instrument, timeframe string) (Manifest, error) {
	if instrument == "" || timeframe == "" {
		return Manifest{}, fmt.Errorf("instrument/timeframe required")
	}
	return s.store.Manifest(ctx, instrument, timeframe)
}

// QueryCandles reads a bounded candle window from the local store.
func (s *SyncService) QueryCandles(ctx context.Context, instrument, timeframe string, start, end int64, limit int) ([]exchange.Candle, error) {
	if instrument == "" || timeframe == "" {
		return nil, fmt.Errorf("instrument/timeframe required")
	}
	return s.store.QueryCandles(ctx, instrument, timeframe, start, end, limit)
}
