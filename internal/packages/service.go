// Package packages owns the lifecycle of indexed package versions: the
// listed/unlisted flag, deletion under the configured policy, and the
// read side used by the feed endpoints.
package packages

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Masterminds/semver/v3"
	"github.com/freighter-dev/freighter/internal/common"
	"github.com/freighter-dev/freighter/internal/storage"
	"github.com/freighter-dev/freighter/pkg/config"
	"github.com/freighter-dev/freighter/pkg/types"
	"github.com/freighter-dev/freighter/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service handles package lifecycle and retrieval operations
type Service struct {
	db             *common.Database
	storage        storage.BlobStorage
	deleteBehavior string
}

// NewService creates a new package lifecycle service
func NewService(db *common.Database, blobs storage.BlobStorage, cfg *config.PublishConfig) *Service {
	behavior := cfg.DeleteBehavior
	if behavior != config.DeleteBehaviorHard {
		behavior = config.DeleteBehaviorUnlist
	}

	return &Service{
		db:             db,
		storage:        blobs,
		deleteBehavior: behavior,
	}
}

// TryDelete removes a package version under the configured deletion
// behavior and reports whether anything was deleted. Under "unlist" the
// artifact stays on disk and the version is hidden; a version that is
// already hidden reports false, so a repeated delete is indistinguishable
// from deleting a version that never existed. Under "hard" the blob and
// the metadata row are both removed.
func (s *Service) TryDelete(ctx context.Context, name string, version *semver.Version) (bool, error) {
	normalized := utils.NormalizePackageName(name)
	versionStr := version.String()

	var pkg types.Package
	err := s.db.WithContext(ctx).
		Where("normalized_name = ? AND version = ?", normalized, versionStr).
		First(&pkg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up package: %w", err)
	}

	if s.deleteBehavior == config.DeleteBehaviorUnlist {
		if !pkg.Listed {
			return false, nil
		}
		if err := s.db.WithContext(ctx).Model(&pkg).Update("listed", false).Error; err != nil {
			return false, fmt.Errorf("failed to unlist package: %w", err)
		}

		log.Info().Str("name", pkg.Name).Str("version", versionStr).Msg("package version unlisted")
		return true, nil
	}

	if err := s.storage.Delete(ctx, pkg.StoragePath); err != nil {
		return false, fmt.Errorf("failed to delete package blob: %w", err)
	}
	if err := s.db.WithContext(ctx).Delete(&pkg).Error; err != nil {
		return false, fmt.Errorf("failed to delete package metadata: %w", err)
	}

	log.Info().Str("name", pkg.Name).Str("version", versionStr).Msg("package version deleted")
	return true, nil
}

// Relist makes an existing package version visible again and reports
// whether the version exists. Relisting an already-listed version is a
// no-op that still succeeds.
func (s *Service) Relist(ctx context.Context, name string, version *semver.Version) (bool, error) {
	normalized := utils.NormalizePackageName(name)
	versionStr := version.String()

	var pkg types.Package
	err := s.db.WithContext(ctx).
		Where("normalized_name = ? AND version = ?", normalized, versionStr).
		First(&pkg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up package: %w", err)
	}

	if !pkg.Listed {
		if err := s.db.WithContext(ctx).Model(&pkg).Update("listed", true).Error; err != nil {
			return false, fmt.Errorf("failed to relist package: %w", err)
		}
		log.Info().Str("name", pkg.Name).Str("version", versionStr).Msg("package version relisted")
	}

	return true, nil
}

// Get returns the metadata row for one package version
func (s *Service) Get(ctx context.Context, name, version string) (*types.Package, error) {
	var pkg types.Package
	err := s.db.WithContext(ctx).
		Where("normalized_name = ? AND version = ?", utils.NormalizePackageName(name), version).
		First(&pkg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("package not found: %s %s", name, version)
		}
		return nil, fmt.Errorf("failed to get package: %w", err)
	}

	return &pkg, nil
}

// Versions returns the listed versions of a package in ascending
// semantic-version order
func (s *Service) Versions(ctx context.Context, name string) ([]string, error) {
	var versions []string
	err := s.db.WithContext(ctx).Model(&types.Package{}).
		Where("normalized_name = ? AND listed = ?", utils.NormalizePackageName(name), true).
		Pluck("version", &versions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	return utils.SortVersionsAscending(versions), nil
}

// Download returns a package row along with a reader over its blob and
// bumps the download counter
func (s *Service) Download(ctx context.Context, name, version string) (*types.Package, io.ReadCloser, error) {
	pkg, err := s.Get(ctx, name, version)
	if err != nil {
		return nil, nil, err
	}

	content, err := s.storage.Retrieve(ctx, pkg.StoragePath)
	if err != nil {
		log.Error().Err(err).Str("path", pkg.StoragePath).Msg("failed to retrieve package blob")
		return nil, nil, fmt.Errorf("failed to retrieve package: %w", err)
	}

	s.db.WithContext(ctx).Model(pkg).Where("id = ?", pkg.ID).
		Update("downloads", gorm.Expr("downloads + ?", 1))

	return pkg, content, nil
}
