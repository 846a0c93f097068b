package routes

import (
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/sovpdf/swcache/internal/cache"
)

// RegisterCacheRoutes 暴露 /-/caches 诊断接口，用于查看各缓存桶及其条目。
func RegisterCacheRoutes(app *fiber.App, storage cache.Storage) {
	if app == nil || storage == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := storage.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_keys_failed"})
		}
		buckets := make([]bucketPayload, 0, len(names))
		for _, name := range names {
			bucket, err := storage.Open(c.Context(), name)
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_open_failed"})
			}
			keys, err := bucket.Keys(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_keys_failed"})
			}
			buckets = append(buckets, bucketPayload{Name: name, Entries: len(keys)})
		}
		return c.JSON(fiber.Map{"caches": buckets})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name, err := url.PathUnescape(strings.TrimSpace(c.Params("name")))
		if err != nil || name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		ok, err := storage.Has(c.Context(), name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_lookup_failed"})
		}
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		bucket, err := storage.Open(c.Context(), name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_open_failed"})
		}
		keys, err := bucket.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_keys_failed"})
		}
		return c.JSON(bucketDetailPayload{Name: name, Entries: encodeEntries(keys)})
	})
}

type bucketPayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type bucketDetailPayload struct {
	Name    string         `json:"name"`
	Entries []entryPayload `json:"entries"`
}

type entryPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func encodeEntries(keys []*cache.Request) []entryPayload {
	result := make([]entryPayload, 0, len(keys))
	for _, key := range keys {
		result = append(result, entryPayload{Method: key.Method, URL: key.URLString()})
	}
	return result
}
