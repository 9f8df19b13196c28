package cache

import "postpart-sync/internal/models"

// Key returns the cache key of a user's data category.
func Key(userID string, category models.Category) string {
	return "user:" + userID + ":" + string(category)
}
