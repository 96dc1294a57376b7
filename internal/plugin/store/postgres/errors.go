package postgres

import registrystore "github.com/fieldnote/memoryd/internal/registry/store"

// Local aliases so the rest of this package can write NotFoundError
// instead of registrystore.NotFoundError; these are the same types
// store.MemoryStore's contract documents errors in terms of.
type (
	NotFoundError   = registrystore.NotFoundError
	ValidationError = registrystore.ValidationError
	ConflictError   = registrystore.ConflictError
	ForbiddenError  = registrystore.ForbiddenError
)
