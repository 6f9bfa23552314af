// Package testing provides a contract test suite for document.Backend
// implementations, exercised through the schema-enforcing Files store.
package testing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/document"
)

// BackendTestSuite runs the document contract against one backend.
type BackendTestSuite struct {
	// NewBackend returns a fresh, empty backend for each test.
	NewBackend func() document.Backend
}

// Run executes all tests in the suite.
func (suite *BackendTestSuite) Run(t *testing.T) {
	t.Run("InsertOperations", suite.RunInsertTests)
	t.Run("UpdateOperations", suite.RunUpdateTests)
	t.Run("FindOperations", suite.RunFindTests)
}

// RunInsertTests covers defaults and origin checks.
func (suite *BackendTestSuite) RunInsertTests(t *testing.T) {
	t.Run("Insert_Defaults", suite.testInsertDefaults)
	t.Run("Insert_DropsUnknownFields", suite.testInsertDropsUnknown)
	t.Run("Insert_UntrustedSystemField", suite.testInsertUntrustedSystemField)
	t.Run("Insert_TrustedID", suite.testInsertTrustedID)
	t.Run("Insert_DuplicateID", suite.testInsertDuplicate)
	t.Run("Insert_InvalidType", suite.testInsertInvalidType)
}

// RunUpdateTests covers the read-only rules and atomic application.
func (suite *BackendTestSuite) RunUpdateTests(t *testing.T) {
	t.Run("Update_UserFields", suite.testUpdateUserFields)
	t.Run("Update_ReadOnlyRejectedAtomically", suite.testUpdateReadOnly)
	t.Run("Update_UnknownField", suite.testUpdateUnknownField)
	t.Run("Update_RemoveSchemaField", suite.testUpdateRemoveField)
	t.Run("Update_MetadataPaths", suite.testUpdateMetadataPaths)
	t.Run("Update_AllMatches", suite.testUpdateAllMatches)
	t.Run("SetSystemFields", suite.testSetSystemFields)
	t.Run("SetSystemFields_NotFound", suite.testSetSystemFieldsNotFound)
}

// RunFindTests covers filters and single-document resolution.
func (suite *BackendTestSuite) RunFindTests(t *testing.T) {
	t.Run("FindOne_ByID", suite.testFindOneByID)
	t.Run("FindOne_NoneOrAmbiguous", suite.testFindOneNoneOrAmbiguous)
	t.Run("Find_Filters", suite.testFindFilters)
	t.Run("Delete", suite.testDelete)
}

func testContext() context.Context {
	return context.Background()
}

func (suite *BackendTestSuite) newFiles() *document.Files {
	return document.NewFiles(suite.NewBackend(), document.FilesConfig{})
}

func mustInsert(t *testing.T, files *document.Files, fields map[string]any) *document.File {
	t.Helper()
	file, err := files.Insert(testContext(), fields, document.Untrusted)
	require.NoError(t, err)
	return file
}

// ============================================================================
// Insert Tests
// ============================================================================

func (suite *BackendTestSuite) testInsertDefaults(t *testing.T) {
	files := suite.newFiles()

	file := mustInsert(t, files, nil)

	assert.NotEqual(t, uuid.Nil, file.ID)
	assert.Zero(t, file.Length)
	assert.Equal(t, document.EmptyMD5, file.MD5)
	assert.Equal(t, document.DefaultChunkSize, file.ChunkSize)
	assert.Nil(t, file.UploadDate)
	assert.False(t, file.Complete())

	stored, err := files.Get(testContext(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, file.MD5, stored.MD5)
	assert.Equal(t, file.ChunkSize, stored.ChunkSize)
}

func (suite *BackendTestSuite) testInsertDropsUnknown(t *testing.T) {
	files := suite.newFiles()

	file := mustInsert(t, files, map[string]any{
		"filename": "a.txt",
		"owner":    "mallory",
		"metadata": map[string]any{"owner": "alice"},
	})

	assert.Equal(t, "a.txt", file.Filename)
	assert.Equal(t, "alice", file.Metadata["owner"])
}

func (suite *BackendTestSuite) testInsertUntrustedSystemField(t *testing.T) {
	files := suite.newFiles()

	for _, field := range []string{"_id", "length", "chunkSize", "uploadDate", "md5"} {
		_, err := files.Insert(testContext(), map[string]any{field: "x"}, document.Untrusted)
		assert.True(t, store.IsCode(err, store.ErrValidation), "field %s: got %v", field, err)
	}

	found, err := files.Find(testContext(), document.Filter{})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func (suite *BackendTestSuite) testInsertTrustedID(t *testing.T) {
	files := suite.newFiles()
	id := uuid.New()

	file, err := files.Insert(testContext(), map[string]any{"_id": id.String(), "chunkSize": 1024}, document.Trusted)
	require.NoError(t, err)
	assert.Equal(t, id, file.ID)
	assert.Equal(t, int64(1024), file.ChunkSize)
}

func (suite *BackendTestSuite) testInsertDuplicate(t *testing.T) {
	files := suite.newFiles()
	id := uuid.New()

	_, err := files.Insert(testContext(), map[string]any{"_id": id}, document.Trusted)
	require.NoError(t, err)

	_, err = files.Insert(testContext(), map[string]any{"_id": id}, document.Trusted)
	assert.True(t, store.IsCode(err, store.ErrConflict), "got %v", err)
}

func (suite *BackendTestSuite) testInsertInvalidType(t *testing.T) {
	files := suite.newFiles()

	_, err := files.Insert(testContext(), map[string]any{"aliases": 42}, document.Untrusted)
	assert.True(t, store.IsCode(err, store.ErrValidation), "got %v", err)
}

// ============================================================================
// Update Tests
// ============================================================================

func (suite *BackendTestSuite) testUpdateUserFields(t *testing.T) {
	files := suite.newFiles()
	file := mustInsert(t, files, map[string]any{"filename": "old.txt"})

	n, err := files.Update(testContext(), document.ByID(file.ID), map[string]any{
		"filename":    "new.txt",
		"contentType": "text/plain",
		"aliases":     []any{"n", "m"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := files.Get(testContext(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, "new.txt", stored.Filename)
	assert.Equal(t, "text/plain", stored.ContentType)
	assert.Equal(t, []string{"n", "m"}, stored.Aliases)
	assert.Equal(t, document.EmptyMD5, stored.MD5)
}

func (suite *BackendTestSuite) testUpdateReadOnly(t *testing.T) {
	files := suite.newFiles()
	file := mustInsert(t, files, map[string]any{"filename": "keep.txt"})

	for _, field := range []string{"_id", "length", "chunkSize", "uploadDate", "md5"} {
		_, err := files.Update(testContext(), document.ByID(file.ID), map[string]any{
			"filename": "changed.txt",
			field:      1,
		})
		assert.True(t, store.IsCode(err, store.ErrValidation), "field %s: got %v", field, err)
	}

	stored, err := files.Get(testContext(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep.txt", stored.Filename, "no field may be applied when one is rejected")
}

func (suite *BackendTestSuite) testUpdateUnknownField(t *testing.T) {
	files := suite.newFiles()
	file := mustInsert(t, files, map[string]any{"filename": "keep.txt"})

	_, err := files.Update(testContext(), document.ByID(file.ID), map[string]any{
		"filename": "changed.txt",
		"owner":    "mallory",
	})
	assert.True(t, store.IsCode(err, store.ErrValidation))

	stored, err := files.Get(testContext(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep.txt", stored.Filename)
}

func (suite *BackendTestSuite) testUpdateRemoveField(t *testing.T) {
	files := suite.newFiles()
	file := mustInsert(t, files, map[string]any{"filename": "keep.txt"})

	_, err := files.Update(testContext(), document.ByID(file.ID), map[string]any{"filename": nil})
	assert.True(t, store.IsCode(err, store.ErrValidation))
}

func (suite *BackendTestSuite) testUpdateMetadataPaths(t *testing.T) {
	files := suite.newFiles()
	file := mustInsert(t, files, map[string]any{
		"metadata": map[string]any{"owner": "alice", "tag": "x"},
	})

	_, err := files.Update(testContext(), document.ByID(file.ID), map[string]any{
		"metadata.tag":   nil,
		"metadata.color": "blue",
	})
	require.NoError(t, err)

	stored, err := files.Get(testContext(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Metadata["owner"])
	assert.Equal(t, "blue", stored.Metadata["color"])
	assert.NotContains(t, stored.Metadata, "tag")
}

func (suite *BackendTestSuite) testUpdateAllMatches(t *testing.T) {
	files := suite.newFiles()
	mustInsert(t, files, map[string]any{"contentType": "image/png"})
	mustInsert(t, files, map[string]any{"contentType": "image/png"})
	mustInsert(t, files, map[string]any{"contentType": "text/plain"})

	n, err := files.Update(testContext(), document.Filter{"contentType": "image/png"}, map[string]any{
		"metadata.album": "holiday",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, err := files.Find(testContext(), document.Filter{"metadata.album": "holiday"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func (suite *BackendTestSuite) testSetSystemFields(t *testing.T) {
	files := suite.newFiles()
	file := mustInsert(t, files, nil)
	uploaded := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := files.SetSystemFields(testContext(), file.ID, document.SystemFields{
		Length:     11,
		MD5:        "5eb63bbbe01eeed093cb22bb8f5acdc3",
		UploadDate: &uploaded,
		ChunkSize:  4,
	})
	require.NoError(t, err)

	stored, err := files.Get(testContext(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(11), stored.Length)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", stored.MD5)
	assert.Equal(t, int64(4), stored.ChunkSize)
	require.NotNil(t, stored.UploadDate)
	assert.True(t, uploaded.Equal(*stored.UploadDate))

	require.NoError(t, files.MarkIncomplete(testContext(), file.ID))
	stored, err = files.Get(testContext(), file.ID)
	require.NoError(t, err)
	assert.False(t, stored.Complete())
	assert.Equal(t, document.EmptyMD5, stored.MD5)
	assert.Equal(t, int64(4), stored.ChunkSize)
}

func (suite *BackendTestSuite) testSetSystemFieldsNotFound(t *testing.T) {
	files := suite.newFiles()

	err := files.SetSystemFields(testContext(), uuid.New(), document.SystemFields{MD5: document.EmptyMD5})
	assert.True(t, store.IsCode(err, store.ErrNotFound))
}

// ============================================================================
// Find Tests
// ============================================================================

func (suite *BackendTestSuite) testFindOneByID(t *testing.T) {
	files := suite.newFiles()
	file := mustInsert(t, files, map[string]any{"filename": "a"})
	mustInsert(t, files, map[string]any{"filename": "b"})

	found, err := files.FindOne(testContext(), document.ByID(file.ID))
	require.NoError(t, err)
	assert.Equal(t, "a", found.Filename)

	found, err = files.FindOne(testContext(), document.Filter{"_id": file.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, file.ID, found.ID)
}

func (suite *BackendTestSuite) testFindOneNoneOrAmbiguous(t *testing.T) {
	files := suite.newFiles()
	mustInsert(t, files, map[string]any{"filename": "same"})
	mustInsert(t, files, map[string]any{"filename": "same"})

	_, err := files.FindOne(testContext(), document.Filter{"filename": "missing"})
	assert.True(t, store.IsCode(err, store.ErrNotFound))

	_, err = files.FindOne(testContext(), document.Filter{"filename": "same"})
	assert.True(t, store.IsCode(err, store.ErrNotFound))
}

func (suite *BackendTestSuite) testFindFilters(t *testing.T) {
	files := suite.newFiles()
	a := mustInsert(t, files, map[string]any{
		"filename": "a.png",
		"aliases":  []string{"avatar"},
		"metadata": map[string]any{"owner": "alice", "width": 640},
	})
	mustInsert(t, files, map[string]any{"filename": "b.png"})

	cases := map[string]document.Filter{
		"alias":          {"aliases": "avatar"},
		"metadata":       {"metadata.owner": "alice"},
		"metadataNumber": {"metadata.width": 640},
		"md5":            {"md5": document.EmptyMD5, "filename": "a.png"},
		"length":         {"length": 0, "filename": "a.png"},
		"incomplete":     {"uploadDate": nil, "filename": "a.png"},
	}
	for name, filter := range cases {
		found, err := files.Find(testContext(), filter)
		require.NoError(t, err, name)
		if assert.Len(t, found, 1, name) {
			assert.Equal(t, a.ID, found[0].ID, name)
		}
	}

	found, err := files.Find(testContext(), document.Filter{"unknown": "x"})
	require.NoError(t, err)
	assert.Empty(t, found)

	all, err := files.Find(testContext(), document.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func (suite *BackendTestSuite) testDelete(t *testing.T) {
	files := suite.newFiles()
	file := mustInsert(t, files, nil)

	require.NoError(t, files.Delete(testContext(), file.ID))
	require.NoError(t, files.Delete(testContext(), file.ID))

	_, err := files.Get(testContext(), file.ID)
	assert.True(t, store.IsCode(err, store.ErrNotFound))
}
