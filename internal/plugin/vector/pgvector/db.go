package pgvector

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openGormDB opens a connection dedicated to the vector index: KNN queries
// go through raw SQL (pgvector's "<=>" operator has no query-builder
// equivalent), so GORM's own logger would just add noise for queries it
// isn't actually building.
func openGormDB(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
}
