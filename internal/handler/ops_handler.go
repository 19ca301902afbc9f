package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/jobs"
	"go.uber.org/zap"
)

// JobSwitch pauses and resumes periodic jobs for every instance.
type JobSwitch interface {
	jobs.Gate
	Pause(ctx context.Context, job string) error
	Resume(ctx context.Context, job string) error
}

// OpsHandler runs one pass of a periodic job on demand. The job's own guard
// still applies, so a trigger during a running pass processes nothing.
type OpsHandler struct {
	tasks    map[string]jobs.Task
	switches JobSwitch
	logger   *zap.Logger
}

func NewOpsHandler(tasks map[string]jobs.Task, switches JobSwitch, logger *zap.Logger) (*OpsHandler, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("at least one job is required")
	}
	for name, task := range tasks {
		if task == nil {
			return nil, fmt.Errorf("job %q has no task", name)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{tasks: tasks, switches: switches, logger: logger}, nil
}

// RegisterOpsRoutes mounts the job routes. Pause and resume are only
// available when switches is set.
func RegisterOpsRoutes(router fiber.Router, tasks map[string]jobs.Task, switches JobSwitch, logger *zap.Logger) error {
	h, err := NewOpsHandler(tasks, switches, logger)
	if err != nil {
		return err
	}

	g := router.Group("/v1/ops")
	g.Get("/jobs", h.ListJobs)
	g.Post("/:job/process", h.ProcessJob)
	if switches != nil {
		g.Post("/:job/pause", h.PauseJob)
		g.Post("/:job/resume", h.ResumeJob)
	}

	return nil
}

func (h *OpsHandler) ListJobs(c *fiber.Ctx) error {
	names := make([]string, 0, len(h.tasks))
	for name := range h.tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	data := make([]fiber.Map, 0, len(names))
	for _, name := range names {
		entry := fiber.Map{"job": name, "running": isBusy(h.tasks[name])}
		if h.switches != nil {
			entry["paused"] = !jobs.ShouldRun(c.UserContext(), h.switches, name, h.logger)
		}
		data = append(data, entry)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *OpsHandler) ProcessJob(c *fiber.Ctx) error {
	name, err := h.jobName(c)
	if err != nil {
		return err
	}
	task := h.tasks[name]

	busy := isBusy(task)
	processed, err := task.ProcessNow(c.UserContext())
	if err != nil {
		return err
	}

	h.logger.Info("job triggered manually",
		zap.String("job", name),
		zap.Int("processed", processed),
		zap.Bool("skipped", busy),
	)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"job":       name,
		"processed": processed,
		"skipped":   busy,
	})
}

func (h *OpsHandler) PauseJob(c *fiber.Ctx) error {
	return h.setPaused(c, true)
}

func (h *OpsHandler) ResumeJob(c *fiber.Ctx) error {
	return h.setPaused(c, false)
}

func (h *OpsHandler) setPaused(c *fiber.Ctx, paused bool) error {
	name, err := h.jobName(c)
	if err != nil {
		return err
	}

	if paused {
		err = h.switches.Pause(c.UserContext(), name)
	} else {
		err = h.switches.Resume(c.UserContext(), name)
	}
	if err != nil {
		return fmt.Errorf("failed to update job gate: %w", err)
	}

	h.logger.Info("job gate changed", zap.String("job", name), zap.Bool("paused", paused))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"job": name, "paused": paused})
}

func (h *OpsHandler) jobName(c *fiber.Ctx) (string, error) {
	name := strings.ToLower(strings.TrimSpace(c.Params("job")))
	if _, ok := h.tasks[name]; !ok {
		return "", fmt.Errorf("%w: unknown job %q", domain.ErrNotFound, name)
	}
	return name, nil
}

func isBusy(task jobs.Task) bool {
	busy, ok := task.(jobs.BusyReporter)
	return ok && busy.Running()
}
