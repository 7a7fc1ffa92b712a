package index

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/freighter-dev/freighter/internal/common"
	"github.com/freighter-dev/freighter/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// mapStorage implements storage.BlobStorage in memory for testing
type mapStorage struct {
	data map[string][]byte
}

func newMapStorage() *mapStorage {
	return &mapStorage{data: make(map[string][]byte)}
}

func (m *mapStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	m.data[path] = data
	return nil
}

func (m *mapStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	if data, exists := m.data[path]; exists {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil, fmt.Errorf("file not found: %s", path)
}

func (m *mapStorage) Delete(ctx context.Context, path string) error {
	delete(m.data, path)
	return nil
}

func (m *mapStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, exists := m.data[path]
	return exists, nil
}

func (m *mapStorage) GetSize(ctx context.Context, path string) (int64, error) {
	if data, exists := m.data[path]; exists {
		return int64(len(data)), nil
	}
	return 0, fmt.Errorf("file not found: %s", path)
}

func (m *mapStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	for path := range m.data {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func setupTestEngine(t *testing.T) (*Engine, *common.Database, *mapStorage) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Package{}))

	wrapped := &common.Database{DB: db}
	blobs := newMapStorage()
	return NewEngine(wrapped, blobs, 0), wrapped, blobs
}

// makePackage builds a minimal package archive: a zip containing one
// .nuspec manifest
func makePackage(t *testing.T, id, version string) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	writer := zip.NewWriter(buf)

	manifest, err := writer.Create(id + ".nuspec")
	require.NoError(t, err)
	_, err = fmt.Fprintf(manifest, `<?xml version="1.0"?>
<package>
  <metadata>
    <id>%s</id>
    <version>%s</version>
    <authors>tester</authors>
    <description>test package</description>
  </metadata>
</package>`, id, version)
	require.NoError(t, err)

	content, err := writer.Create("lib/net8.0/" + id + ".dll")
	require.NoError(t, err)
	_, err = content.Write([]byte("not a real assembly"))
	require.NoError(t, err)

	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func TestIndex_Success(t *testing.T) {
	engine, db, blobs := setupTestEngine(t)
	ctx := context.Background()

	pkg := makePackage(t, "Contoso.Utilities", "1.2.3")
	result, err := engine.Index(ctx, bytes.NewReader(pkg))

	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)

	var saved types.Package
	require.NoError(t, db.Where("normalized_name = ?", "contoso.utilities").First(&saved).Error)
	assert.Equal(t, "Contoso.Utilities", saved.Name)
	assert.Equal(t, "1.2.3", saved.Version)
	assert.Equal(t, int64(len(pkg)), saved.Size)
	assert.True(t, saved.Listed)
	assert.NotEmpty(t, saved.SHA256)
	assert.Contains(t, blobs.data, saved.StoragePath)
}

func TestIndex_DuplicateIsConflict(t *testing.T) {
	engine, _, _ := setupTestEngine(t)
	ctx := context.Background()

	pkg := makePackage(t, "Contoso.Utilities", "1.2.3")

	result, err := engine.Index(ctx, bytes.NewReader(pkg))
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)

	result, err = engine.Index(ctx, bytes.NewReader(pkg))
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyExists, result)
}

func TestIndex_DuplicateIsCaseInsensitive(t *testing.T) {
	engine, _, _ := setupTestEngine(t)
	ctx := context.Background()

	result, err := engine.Index(ctx, bytes.NewReader(makePackage(t, "Contoso.Utilities", "1.2.3")))
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)

	result, err = engine.Index(ctx, bytes.NewReader(makePackage(t, "CONTOSO.utilities", "1.2.3")))
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyExists, result)
}

func TestIndex_InsertLosesRaceToRivalPublish(t *testing.T) {
	engine, db, blobs := setupTestEngine(t)
	ctx := context.Background()

	// A rival publish of the same identity can land between the existence
	// check and the insert. Slip an identical row in right before the
	// engine's own insert runs so the unique index rejects it.
	planted := false
	err := db.Callback().Create().Before("gorm:create").Register("plant_rival_row", func(tx *gorm.DB) {
		if planted {
			return
		}
		planted = true
		tx.Session(&gorm.Session{NewDB: true}).Exec(
			"INSERT INTO packages (id, name, normalized_name, version, storage_path, listed) VALUES (?, ?, ?, ?, ?, ?)",
			uuid.New().String(), "Contoso.Utilities", "contoso.utilities", "1.2.3", "packages/rival/path", true,
		)
	})
	require.NoError(t, err)

	result, err := engine.Index(ctx, bytes.NewReader(makePackage(t, "Contoso.Utilities", "1.2.3")))

	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyExists, result)
	assert.True(t, planted)
	assert.Empty(t, blobs.data, "the losing insert must roll back its stored blob")
}

func TestIndex_NotAnArchive(t *testing.T) {
	engine, _, blobs := setupTestEngine(t)

	result, err := engine.Index(context.Background(), bytes.NewReader([]byte("definitely not a zip")))

	require.NoError(t, err)
	assert.Equal(t, ResultInvalid, result)
	assert.Empty(t, blobs.data)
}

func TestIndex_EmptyUpload(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	result, err := engine.Index(context.Background(), bytes.NewReader(nil))

	require.NoError(t, err)
	assert.Equal(t, ResultInvalid, result)
}

func TestIndex_MissingManifest(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	buf := &bytes.Buffer{}
	writer := zip.NewWriter(buf)
	file, err := writer.Create("readme.txt")
	require.NoError(t, err)
	_, err = file.Write([]byte("no manifest here"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	result, err := engine.Index(context.Background(), bytes.NewReader(buf.Bytes()))

	require.NoError(t, err)
	assert.Equal(t, ResultInvalid, result)
}

func TestIndex_InvalidVersion(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	result, err := engine.Index(context.Background(), bytes.NewReader(makePackage(t, "Contoso.Utilities", "one-point-oh")))

	require.NoError(t, err)
	assert.Equal(t, ResultInvalid, result)
}

func TestIndex_InvalidPackageID(t *testing.T) {
	engine, _, _ := setupTestEngine(t)

	result, err := engine.Index(context.Background(), bytes.NewReader(makePackage(t, "..bad..id", "1.0.0")))

	require.NoError(t, err)
	assert.Equal(t, ResultInvalid, result)
}

func TestIndex_OversizedUpload(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Package{}))

	engine := NewEngine(&common.Database{DB: db}, newMapStorage(), 16)

	result, err := engine.Index(context.Background(), bytes.NewReader(makePackage(t, "Contoso.Utilities", "1.0.0")))

	require.NoError(t, err)
	assert.Equal(t, ResultInvalid, result)
}

func TestValidPackageID(t *testing.T) {
	assert.True(t, ValidPackageID("Contoso.Utilities"))
	assert.True(t, ValidPackageID("a"))
	assert.True(t, ValidPackageID("My_Package-1"))
	assert.False(t, ValidPackageID(""))
	assert.False(t, ValidPackageID(".leading.dot"))
	assert.False(t, ValidPackageID("has space"))
}
