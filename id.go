package rewind

import "github.com/QualityUnit/rewind/id"

// ID is the primary identifier type for all Rewind entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
