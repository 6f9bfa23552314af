package document

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/filecollection/internal/logger"
	"github.com/marmos91/filecollection/pkg/store"
)

// validate is the singleton validator instance
var validate = validator.New(validator.WithRequiredStructEnabled())

// Files is the schema-enforcing document store of one collection.
type Files struct {
	backend   Backend
	chunkSize int64
}

// FilesConfig configures a Files store.
type FilesConfig struct {
	// ChunkSize is assigned to new files that do not carry one
	ChunkSize int64
}

// NewFiles wraps backend with the file schema.
func NewFiles(backend Backend, cfg FilesConfig) *Files {
	f := &Files{
		backend:   backend,
		chunkSize: cfg.ChunkSize,
	}
	if f.chunkSize <= 0 {
		f.chunkSize = DefaultChunkSize
	}
	return f
}

// ChunkSize returns the chunk size assigned to new files.
func (f *Files) ChunkSize() int64 {
	return f.chunkSize
}

// Insert creates a file document from fields. It is Prepare followed by
// Create.
func (f *Files) Insert(ctx context.Context, fields map[string]any, origin Origin) (*File, error) {
	file, err := f.Prepare(fields, origin)
	if err != nil {
		return nil, err
	}
	if err := f.Create(ctx, file); err != nil {
		return nil, err
	}
	return file.Clone(), nil
}

// Prepare builds the document Insert would store, without storing it.
//
// Fields outside the schema are dropped. System fields from an Untrusted
// origin fail with store.ErrValidation; from a Trusted origin they are
// honored. Unset fields get their defaults: a fresh id, length 0, the
// empty-input digest and the collection chunk size.
func (f *Files) Prepare(fields map[string]any, origin Origin) (*File, error) {
	known := make(map[string]any, len(fields))
	for key, value := range fields {
		switch {
		case !IsSchemaField(key):
			logger.Debug("Dropping unknown field %q on insert", key)
			continue
		case IsSystemField(key) && origin != Trusted:
			return nil, store.Errorf(store.ErrValidation, "field %q is read-only", key)
		}
		if value != nil {
			known[key] = value
		}
	}

	file := &File{}
	if err := decode(known, file); err != nil {
		return nil, err
	}

	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	if file.ChunkSize == 0 {
		file.ChunkSize = f.chunkSize
	}
	if file.MD5 == "" {
		file.MD5 = EmptyMD5
	}
	if file.Aliases == nil {
		file.Aliases = []string{}
	}
	if file.Metadata == nil {
		file.Metadata = map[string]any{}
	}

	if err := validateFile(file); err != nil {
		return nil, err
	}
	return file, nil
}

// Create validates and stores a prepared document.
func (f *Files) Create(ctx context.Context, file *File) error {
	if err := validateFile(file); err != nil {
		return err
	}
	return f.backend.Insert(ctx, file)
}

// Update applies changes to every document matching filter, atomically.
//
// changes may name top-level user fields or metadata.<key> paths. Touching
// a system field, naming an unknown field or setting a top-level field to
// nil (removing it) fails with store.ErrValidation before anything is
// written. A nil value on a metadata path deletes that key.
func (f *Files) Update(ctx context.Context, filter Filter, changes map[string]any) (int, error) {
	return f.UpdateChecked(ctx, filter, changes, nil)
}

// UpdateChecked is Update with check called on every match, as stored,
// inside the same atomic write. A check error aborts the whole update and
// is returned unchanged. A nil check accepts every match.
func (f *Files) UpdateChecked(ctx context.Context, filter Filter, changes map[string]any, check func(*File) error) (int, error) {
	if len(changes) == 0 {
		return 0, store.Errorf(store.ErrValidation, "no changes given")
	}

	topLevel := make(map[string]any)
	metaSet := make(map[string]any)
	var metaDelete []string

	for key, value := range changes {
		if name, ok := strings.CutPrefix(key, FieldMetadata+"."); ok {
			if name == "" {
				return 0, store.Errorf(store.ErrValidation, "empty metadata key")
			}
			if value == nil {
				metaDelete = append(metaDelete, name)
			} else {
				metaSet[name] = value
			}
			continue
		}

		switch {
		case IsSystemField(key):
			return 0, store.Errorf(store.ErrValidation, "field %q is read-only", key)
		case !IsSchemaField(key):
			return 0, store.Errorf(store.ErrValidation, "unknown field %q", key)
		case value == nil:
			return 0, store.Errorf(store.ErrValidation, "field %q cannot be removed", key)
		}
		topLevel[key] = value
	}

	// Decode once up front so type errors reject the whole call.
	patch := &File{}
	if err := decode(topLevel, patch); err != nil {
		return 0, err
	}

	n, err := f.backend.Update(ctx, filter, func(file *File) error {
		if check != nil {
			if err := check(file); err != nil {
				return err
			}
		}
		for key := range topLevel {
			switch key {
			case FieldFilename:
				file.Filename = patch.Filename
			case FieldContentType:
				file.ContentType = patch.ContentType
			case FieldAliases:
				file.Aliases = slices.Clone(patch.Aliases)
			case FieldMetadata:
				file.Metadata = maps.Clone(patch.Metadata)
			}
		}
		if file.Metadata == nil && len(metaSet) > 0 {
			file.Metadata = map[string]any{}
		}
		for k, v := range metaSet {
			file.Metadata[k] = v
		}
		for _, k := range metaDelete {
			delete(file.Metadata, k)
		}
		return validateFile(file)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetSystemFields writes the system-owned fields of one document. This is
// the privileged path used by finalize and HTTP data writes.
func (f *Files) SetSystemFields(ctx context.Context, id uuid.UUID, sys SystemFields) error {
	if sys.Length < 0 {
		return store.Errorf(store.ErrValidation, "negative length %d", sys.Length)
	}

	n, err := f.backend.Update(ctx, ByID(id), func(file *File) error {
		file.Length = sys.Length
		file.MD5 = sys.MD5
		if sys.UploadDate != nil {
			t := *sys.UploadDate
			file.UploadDate = &t
		} else {
			file.UploadDate = nil
		}
		if sys.ChunkSize > 0 {
			file.ChunkSize = sys.ChunkSize
		}
		return validateFile(file)
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ResourceError(store.ErrNotFound, id.String(), "file not found")
	}
	return nil
}

// MarkIncomplete resets a document to the empty, unfinalized state before
// its data is rewritten. The chunk size is kept.
func (f *Files) MarkIncomplete(ctx context.Context, id uuid.UUID) error {
	return f.SetSystemFields(ctx, id, SystemFields{Length: 0, MD5: EmptyMD5})
}

// Find returns every document matching filter, ordered by id.
func (f *Files) Find(ctx context.Context, filter Filter) ([]*File, error) {
	files, err := f.backend.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.Compare(files[i].ID.String(), files[j].ID.String()) < 0
	})
	return files, nil
}

// FindOne resolves filter to exactly one document. Zero or several matches
// fail with store.ErrNotFound.
func (f *Files) FindOne(ctx context.Context, filter Filter) (*File, error) {
	files, err := f.backend.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	switch len(files) {
	case 1:
		return files[0], nil
	case 0:
		return nil, store.Errorf(store.ErrNotFound, "no file matches the filter")
	default:
		return nil, store.Errorf(store.ErrNotFound, "filter is ambiguous: %d files match", len(files))
	}
}

// Get returns the document with id.
func (f *Files) Get(ctx context.Context, id uuid.UUID) (*File, error) {
	file, err := f.FindOne(ctx, ByID(id))
	if store.IsCode(err, store.ErrNotFound) {
		return nil, store.ResourceError(store.ErrNotFound, id.String(), "file not found")
	}
	return file, err
}

// Delete removes one document. Callers wanting the cascade (lease, chunks,
// document) go through the collection handle.
func (f *Files) Delete(ctx context.Context, id uuid.UUID) error {
	return f.backend.Delete(ctx, id)
}

// decode maps loosely typed fields onto file using the mapstructure tags.
func decode(fields map[string]any, file *File) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  file,
		TagName: "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToUUIDHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := decoder.Decode(fields); err != nil {
		return store.Errorf(store.ErrValidation, "invalid field value: %v", err)
	}
	return nil
}

func stringToUUIDHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(uuid.UUID{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return uuid.Parse(v)
	case uuid.UUID:
		return v, nil
	default:
		return data, nil
	}
}

func validateFile(file *File) error {
	if err := validate.Struct(file); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return store.Errorf(store.ErrValidation, "%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
		return store.Errorf(store.ErrValidation, "%v", err)
	}
	return nil
}
