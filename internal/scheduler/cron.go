package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Outbound/internal/lock"
)

// cronParser: стандартные 5 полей плюс дескрипторы (@every 5m, @daily).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronExpr проверяет cron-выражение.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Task: периодическая задача Runner.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error

	// Lock: если задан, задача выполняется только под блокировкой.
	Lock lock.Locker

	// Timeout ограничивает один запуск (default: 10m).
	Timeout time.Duration
}

// Runner запускает периодические задачи по cron-расписанию.
//
// Пересекающиеся запуски одной задачи пропускаются (cron.SkipIfStillRunning).
type Runner struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu    sync.Mutex
	ctx   context.Context
	tasks []Task
}

// NewRunner создаёт Runner. Расписание интерпретируется в loc.
func NewRunner(logger *slog.Logger, loc *time.Location) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Runner{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(loc),
			cron.WithChain(
				cron.Recover(cron.DiscardLogger),
				cron.SkipIfStillRunning(cron.DiscardLogger),
			),
		),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Add регистрирует задачу. Ошибка, если расписание невалидно.
func (r *Runner) Add(task Task) error {
	if err := ValidateCronExpr(task.Spec); err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}
	if task.Timeout <= 0 {
		task.Timeout = 10 * time.Minute
	}

	if _, err := r.cron.AddFunc(task.Spec, func() { r.runTask(task) }); err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}

	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	return nil
}

// Start запускает расписание. Задачи получают контекст, отменяемый ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info("runner started", "tasks", len(r.tasks))
}

// Stop останавливает расписание и ждёт завершения запущенных задач.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("runner stopped")
}

// RunNow выполняет задачу по имени вне расписания.
func (r *Runner) RunNow(name string) error {
	r.mu.Lock()
	var found *Task
	for i := range r.tasks {
		if r.tasks[i].Name == name {
			found = &r.tasks[i]
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return fmt.Errorf("unknown task %q", name)
	}
	return r.runTask(*found)
}

func (r *Runner) runTask(task Task) error {
	r.mu.Lock()
	parent := r.ctx
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, task.Timeout)
	defer cancel()

	start := time.Now()
	ran, err := lock.Run(ctx, task.Lock, task.Run)
	logger := r.logger.With("task", task.Name, "duration_ms", time.Since(start).Milliseconds())

	switch {
	case err != nil:
		logger.Error("task failed", "error", err)
	case !ran:
		logger.Debug("task skipped, lock held elsewhere")
	default:
		logger.Debug("task completed")
	}
	return err
}
