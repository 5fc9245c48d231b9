// Package scheduler запускает фоновые задачи сервиса по расписанию.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/library-circulation/internal/metrics"
)

// Job описывает фоновую задачу планировщика.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type jobFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (j jobFunc) Name() string                  { return j.name }
func (j jobFunc) Run(ctx context.Context) error { return j.fn(ctx) }

// NewJob оборачивает функцию в задачу с именем name.
func NewJob(name string, fn func(ctx context.Context) error) Job {
	return jobFunc{name: name, fn: fn}
}

type entry struct {
	job      Job
	interval time.Duration
}

// ServiceParams настраивают планировщик.
type ServiceParams struct {
	Logger  *zap.Logger
	Lock    Lock
	Metrics *metrics.JobMetrics
}

// Service выполняет зарегистрированные задачи, каждую со своим интервалом.
// Перед запуском задача захватывает блокировку, чтобы при нескольких экземплярах
// сервиса она выполнялась только в одном из них.
type Service struct {
	logger  *zap.Logger
	lock    Lock
	metrics *metrics.JobMetrics
	entries []entry
}

// NewService создаёт планировщик.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	lock := params.Lock
	if lock == nil {
		lock = NewLocalLock()
	}
	return &Service{
		logger:  params.Logger,
		lock:    lock,
		metrics: params.Metrics,
	}, nil
}

// Register добавляет задачу. Нулевой или отрицательный интервал отключает её.
func (s *Service) Register(job Job, interval time.Duration) {
	if job == nil {
		return
	}
	if interval <= 0 {
		s.logger.Info("job disabled", zap.String("job", job.Name()))
		return
	}
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Jobs возвращает имена зарегистрированных задач в порядке регистрации.
func (s *Service) Jobs() []string {
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.job.Name())
	}
	return names
}

// Run выполняет задачи до отмены контекста.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range s.entries {
		g.Go(func() error {
			s.loop(ctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) loop(ctx context.Context, e entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, e.job)
		}
	}
}

func (s *Service) runJob(ctx context.Context, job Job) {
	name := job.Name()
	log := s.logger.With(zap.String("job", name))

	locked, err := s.lock.Acquire(ctx, name)
	if err != nil {
		log.Error("lock acquire failed", zap.Error(err))
		s.metrics.IncFailure(name)
		return
	}
	if !locked {
		log.Debug("job is running elsewhere; skipping this cycle")
		return
	}
	defer func() {
		if relErr := s.lock.Release(ctx, name); relErr != nil {
			log.Error("failed to release job lock", zap.Error(relErr))
		}
	}()

	start := time.Now()
	err = job.Run(ctx)
	duration := time.Since(start)
	s.metrics.ObserveDuration(name, duration)

	if err != nil {
		log.Error("job failed", zap.Error(err), zap.Int64("duration_ms", duration.Milliseconds()))
		s.metrics.IncFailure(name)
		return
	}
	log.Debug("job completed", zap.Int64("duration_ms", duration.Milliseconds()))
	s.metrics.IncSuccess(name)
}
