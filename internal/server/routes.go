package server

import (
	"harvester/internal/core/extract"
	"harvester/internal/core/reconcile"
	"harvester/internal/core/registry"
	"harvester/internal/core/run"
	"harvester/internal/health"
	"harvester/internal/platform/postgres"
	"harvester/internal/platform/redis"

	"github.com/gofiber/fiber/v2"
)

type Dependencies struct {
	Extract   *extract.Service
	Reconcile *reconcile.Service
	Registry  *registry.Service
	Runs      *run.Service
	Redis     *redis.Service
	Postgres  *postgres.Service
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	healthHandler := health.NewHealthHandler(d.Redis, d.Postgres)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")

	// Registry counts for every configured site.
	api.Get("/status", func(c *fiber.Ctx) error {
		out := fiber.Map{}
		for _, site := range d.Extract.Sites() {
			counts, err := d.Registry.Counts(c.Context(), site)
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
			}
			out[site] = fiber.Map{
				"pending":    counts.Pending,
				"processing": counts.Processing,
				"completed":  counts.Completed,
				"failed":     counts.Failed,
				"exhausted":  counts.Exhausted,
			}
		}
		return c.JSON(out)
	})

	// Reconcile every configured site.
	api.Post("/reconcile", func(c *fiber.Ctx) error {
		reports, err := d.Reconcile.CompareAll(c.Context(), d.Extract.Sites())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(reports)
	})

	// Kick off an extraction run for one site.
	api.Post("/extract/:site", func(c *fiber.Ctx) error {
		site := c.Params("site")
		pages := c.QueryInt("pages", 0)
		runID, err := d.Extract.StartExtraction(c.Context(), site, pages)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"run_id": runID, "site": site})
	})

	// Run progress: redis run state plus live registry counts.
	api.Get("/extract/:site", func(c *fiber.Ctx) error {
		site := c.Params("site")
		counts, err := d.Registry.Counts(c.Context(), site)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		resp := fiber.Map{
			"site": site,
			"counts": fiber.Map{
				"pending":    counts.Pending,
				"processing": counts.Processing,
				"completed":  counts.Completed,
				"failed":     counts.Failed,
				"exhausted":  counts.Exhausted,
			},
		}
		if r, err := d.Runs.Get(c.Context(), site); err == nil {
			resp["run"] = r
		}
		return c.JSON(resp)
	})

	// On-demand reconciliation for one site.
	api.Post("/reconcile/:site", func(c *fiber.Ctx) error {
		site := c.Params("site")
		report, err := d.Reconcile.Compare(c.Context(), site)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if _, err := d.Reconcile.Save(report); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(report)
	})

	return healthHandler
}
