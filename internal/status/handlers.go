package status

import (
	"aaronromeo.com/mailwatch/internal/watcher"
	"github.com/gofiber/fiber/v2"
)

type health struct {
	Status   string `json:"status"`
	Watchers int    `json:"watchers"`
	Running  int    `json:"running"`
}

// Healthz answers 200 while every watcher is running and 503 otherwise.
func Healthz(c *fiber.Ctx) error {
	statuses, err := statuses(c)
	if err != nil {
		return err
	}

	h := health{Status: "ok", Watchers: len(statuses)}
	for _, s := range statuses {
		if s.Running {
			h.Running++
		}
	}
	if h.Running < h.Watchers {
		h.Status = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(h)
	}
	return c.JSON(h)
}

// Mailboxes lists each watcher's connection state.
func Mailboxes(c *fiber.Ctx) error {
	statuses, err := statuses(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"mailboxes": statuses})
}

func NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
}

func statuses(c *fiber.Ctx) ([]watcher.Status, error) {
	src, ok := c.Locals(sourceKey).(Source)
	if !ok || src == nil {
		return nil, fiber.NewError(fiber.StatusInternalServerError, "Could not retrieve watcher status")
	}
	statuses := src.Statuses()
	if statuses == nil {
		statuses = []watcher.Status{}
	}
	return statuses, nil
}
