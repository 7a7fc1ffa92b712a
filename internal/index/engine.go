// Package index admits uploaded package artifacts into the registry: it
// validates the archive, extracts the package identity from its manifest,
// enforces at-most-once publication per identity, and persists the blob
// and its metadata row.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/freighter-dev/freighter/internal/common"
	"github.com/freighter-dev/freighter/internal/storage"
	"github.com/freighter-dev/freighter/pkg/types"
	"github.com/freighter-dev/freighter/pkg/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Result is the outcome of one indexing attempt. Exactly one result is
// produced per upload; the engine never retries on its own.
type Result int

const (
	// ResultInvalid means the upload is not a well-formed package
	ResultInvalid Result = iota
	// ResultAlreadyExists means this name and version is already indexed
	ResultAlreadyExists
	// ResultSuccess means the package was admitted and is now listed
	ResultSuccess
)

func (r Result) String() string {
	switch r {
	case ResultInvalid:
		return "invalid"
	case ResultAlreadyExists:
		return "already_exists"
	case ResultSuccess:
		return "success"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Engine validates and persists uploaded packages
type Engine struct {
	db       *common.Database
	storage  storage.BlobStorage
	maxBytes int64
}

// NewEngine creates a new indexing engine. maxBytes of zero disables the
// size ceiling.
func NewEngine(db *common.Database, blobs storage.BlobStorage, maxBytes int64) *Engine {
	return &Engine{
		db:       db,
		storage:  blobs,
		maxBytes: maxBytes,
	}
}

// Index admits one uploaded package. The upload must be seekable because
// indexing makes several passes over it: sizing, hashing, manifest
// extraction, and finally the store. A nil error accompanies every
// expected outcome; a non-nil error means the attempt itself failed and
// nothing was admitted.
func (e *Engine) Index(ctx context.Context, upload io.ReadSeeker) (Result, error) {
	size, err := upload.Seek(0, io.SeekEnd)
	if err != nil {
		return ResultInvalid, fmt.Errorf("failed to size upload: %w", err)
	}

	if size == 0 {
		log.Debug().Msg("rejecting empty upload")
		return ResultInvalid, nil
	}
	if e.maxBytes > 0 && size > e.maxBytes {
		log.Debug().Int64("size", size).Int64("max", e.maxBytes).Msg("rejecting oversized upload")
		return ResultInvalid, nil
	}

	if _, err := upload.Seek(0, io.SeekStart); err != nil {
		return ResultInvalid, fmt.Errorf("failed to rewind upload: %w", err)
	}
	sha, err := utils.ComputeSHA256FromReader(upload)
	if err != nil {
		return ResultInvalid, fmt.Errorf("failed to hash upload: %w", err)
	}

	readerAt, ok := upload.(io.ReaderAt)
	if !ok {
		return ResultInvalid, fmt.Errorf("upload is not random-access")
	}

	manifest, err := extractManifest(readerAt, size)
	if err != nil {
		log.Debug().Err(err).Msg("rejecting upload with unreadable manifest")
		return ResultInvalid, nil
	}

	name := strings.TrimSpace(manifest.Metadata.ID)
	if !ValidPackageID(name) {
		log.Debug().Str("name", name).Msg("rejecting upload with invalid package id")
		return ResultInvalid, nil
	}

	version, err := semver.NewVersion(manifest.Metadata.Version)
	if err != nil {
		log.Debug().Str("version", manifest.Metadata.Version).Err(err).
			Msg("rejecting upload with invalid version")
		return ResultInvalid, nil
	}

	normalized := utils.NormalizePackageName(name)
	versionStr := version.String()

	var existing types.Package
	err = e.db.WithContext(ctx).
		Where("normalized_name = ? AND version = ?", normalized, versionStr).
		First(&existing).Error
	if err == nil {
		log.Info().Str("name", name).Str("version", versionStr).Msg("package version already indexed")
		return ResultAlreadyExists, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return ResultInvalid, fmt.Errorf("failed to check for existing package: %w", err)
	}

	pkg := &types.Package{
		ID:             uuid.New(),
		Name:           name,
		NormalizedName: normalized,
		Version:        versionStr,
		ContentType:    "application/octet-stream",
		Size:           size,
		SHA256:         sha,
		StoragePath:    StoragePath(normalized, versionStr),
		Metadata:       manifest.ToMetadata(),
		Listed:         true,
	}

	if _, err := upload.Seek(0, io.SeekStart); err != nil {
		return ResultInvalid, fmt.Errorf("failed to rewind upload: %w", err)
	}
	if err := e.storage.Store(ctx, pkg.StoragePath, upload, pkg.ContentType); err != nil {
		return ResultInvalid, fmt.Errorf("failed to store package blob: %w", err)
	}

	if err := e.db.WithContext(ctx).Create(pkg).Error; err != nil {
		// Roll back the stored blob so a failed insert leaves nothing behind
		if delErr := e.storage.Delete(ctx, pkg.StoragePath); delErr != nil {
			log.Error().Err(delErr).Str("path", pkg.StoragePath).
				Msg("failed to clean up blob after insert failure")
		}
		// A concurrent publish of the same identity can land first; the
		// unique index turns the race into a conflict, not a double admit.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ResultAlreadyExists, nil
		}
		return ResultInvalid, fmt.Errorf("failed to save package metadata: %w", err)
	}

	log.Info().
		Str("name", name).
		Str("version", versionStr).
		Int64("size", size).
		Str("sha256", sha).
		Msg("package indexed")

	return ResultSuccess, nil
}

// StoragePath returns the blob path for a package version
func StoragePath(normalizedName, version string) string {
	filename := fmt.Sprintf("%s.%s.nupkg", normalizedName, version)
	return filepath.Join("packages", normalizedName, version, filename)
}
