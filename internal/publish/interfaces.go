package publish

import (
	"context"
	"io"

	"github.com/Masterminds/semver/v3"
	"github.com/freighter-dev/freighter/internal/index"
)

// Authenticator answers whether a caller-supplied credential may mutate
// the registry. It is consulted before any other collaborator.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) bool
}

// Indexer admits one materialized upload into the registry
type Indexer interface {
	Index(ctx context.Context, upload io.ReadSeeker) (index.Result, error)
}

// Deleter removes a package version under the registry's deletion policy
type Deleter interface {
	TryDelete(ctx context.Context, name string, version *semver.Version) (bool, error)
}

// MetadataStore restores visibility of an existing package version
type MetadataStore interface {
	Relist(ctx context.Context, name string, version *semver.Version) (bool, error)
}
