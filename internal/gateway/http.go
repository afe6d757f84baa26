package gateway

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HandleHealth serves GET /api/health.
func (g *Gateway) HandleHealth(c *fiber.Ctx) error {
	return c.JSON(g.Health())
}

// HandleRecentLogs serves GET /api/logs/recent?cube_id=&limit=.
func (g *Gateway) HandleRecentLogs(c *fiber.Ctx) error {
	cubeID := c.Query("cube_id")
	limit, err := strconv.Atoi(c.Query("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	audit := g.AuditLog()
	if audit == nil {
		return c.JSON(fiber.Map{"success": true, "count": 0, "logs": []any{}})
	}

	entries, err := audit.Recent(cubeID, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch logs"})
	}
	return c.JSON(fiber.Map{"success": true, "count": len(entries), "logs": entries})
}

// HandleLogsByRange serves GET /api/logs/range?start=&end=&limit= with
// RFC3339 bounds, defaulting to the last 24 hours.
func (g *Gateway) HandleLogsByRange(c *fiber.Ctx) error {
	start := time.Now().Add(-24 * time.Hour)
	if raw := c.Query("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid start time, use RFC3339"})
		}
		start = parsed
	}

	end := time.Now()
	if raw := c.Query("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid end time, use RFC3339"})
		}
		end = parsed
	}

	limit, err := strconv.Atoi(c.Query("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	audit := g.AuditLog()
	if audit == nil {
		return c.JSON(fiber.Map{"success": true, "count": 0, "logs": []any{}})
	}

	entries, err := audit.Range(start, end, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch logs"})
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"count":      len(entries),
		"time_range": fiber.Map{"start": start.Format(time.RFC3339), "end": end.Format(time.RFC3339)},
		"logs":       entries,
	})
}
