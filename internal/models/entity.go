package models

// Entity names a backend table tracked by the change feed.
type Entity string

const (
	EntityCheckIns      Entity = "checkins"
	EntityNotifications Entity = "parent_notifications"
	EntityProfiles      Entity = "profiles"
	EntityOrganizations Entity = "organizations"
)

// TrackedEntities lists every entity the subscription manager watches.
var TrackedEntities = []Entity{
	EntityCheckIns,
	EntityNotifications,
	EntityProfiles,
	EntityOrganizations,
}

// ChangeType is the kind of row change carried by a feed event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Category is an independently refreshed slice of user data.
type Category string

const (
	CategoryProfile         Category = "profile"
	CategoryChildren        Category = "children"
	CategoryRecentCheckIns  Category = "recent_checkins"
	CategoryActiveCheckIn   Category = "active_checkin"
	CategoryStats           Category = "stats"
	CategoryFrequentCentres Category = "frequent_centres"
	CategoryFeaturedCentres Category = "featured_centres"
	CategoryNotifications   Category = "notifications"
)

// DependentCategories are fetched only for active profiles.
var DependentCategories = []Category{
	CategoryChildren,
	CategoryRecentCheckIns,
	CategoryActiveCheckIn,
	CategoryStats,
	CategoryFrequentCentres,
	CategoryFeaturedCentres,
	CategoryNotifications,
}

// CategoriesFor maps a changed entity to the categories that must be re-fetched.
func CategoriesFor(e Entity) []Category {
	switch e {
	case EntityCheckIns:
		return []Category{CategoryActiveCheckIn, CategoryRecentCheckIns, CategoryStats, CategoryFrequentCentres}
	case EntityNotifications:
		return []Category{CategoryNotifications}
	case EntityProfiles:
		return []Category{CategoryProfile}
	case EntityOrganizations:
		return []Category{CategoryProfile, CategoryFeaturedCentres}
	default:
		return nil
	}
}
