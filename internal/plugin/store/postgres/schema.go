package postgres

import _ "embed"

// schemaSQL is the full relational DDL for conversations, entries,
// attachments, tasks, and episodic memories. It is executed verbatim by
// postgresMigrator rather than driven through GORM's AutoMigrate, since the
// real schema needs partial unique indexes and a pgvector column
// AutoMigrate can't express.
//
//go:embed db/schema.sql
var schemaSQL string

// ForceImport gives test files in other packages a blank-import-free way to
// reference this package (and so trigger its init() registration) without
// tripping an unused-import error.
var ForceImport = 0
