package document

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Filter selects documents by equality on schema fields.
//
// Supported keys: _id, filename, contentType, md5, length, chunkSize,
// uploadDate (nil matches incomplete files), aliases (membership) and
// dotted metadata.<key> paths. All entries must match. A key outside this
// set never matches. The empty filter matches every document.
type Filter map[string]any

// ByID returns a filter selecting the document with id.
func ByID(id uuid.UUID) Filter {
	return Filter{FieldID: id}
}

// Empty reports whether f has no conditions.
func (f Filter) Empty() bool {
	return len(f) == 0
}

// Matches reports whether file satisfies every condition of f.
func (f Filter) Matches(file *File) bool {
	for key, want := range f {
		if !matchField(file, key, want) {
			return false
		}
	}
	return true
}

// ID returns the _id condition if present and well-formed.
func (f Filter) ID() (uuid.UUID, bool) {
	v, ok := f[FieldID]
	if !ok {
		return uuid.Nil, false
	}
	id, err := toUUID(v)
	return id, err == nil
}

func matchField(file *File, key string, want any) bool {
	switch key {
	case FieldID:
		id, err := toUUID(want)
		return err == nil && id == file.ID
	case FieldFilename:
		return stringEqual(file.Filename, want)
	case FieldContentType:
		return stringEqual(file.ContentType, want)
	case FieldMD5:
		return stringEqual(file.MD5, want)
	case FieldLength:
		n, ok := toInt64(want)
		return ok && n == file.Length
	case FieldChunkSize:
		n, ok := toInt64(want)
		return ok && n == file.ChunkSize
	case FieldUploadDate:
		if want == nil {
			return file.UploadDate == nil
		}
		if file.UploadDate == nil {
			return false
		}
		if t, ok := want.(time.Time); ok {
			return file.UploadDate.Equal(t)
		}
		return looseEqual(*file.UploadDate, want)
	case FieldAliases:
		for _, alias := range file.Aliases {
			if stringEqual(alias, want) {
				return true
			}
		}
		return false
	}

	if name, ok := strings.CutPrefix(key, FieldMetadata+"."); ok && name != "" {
		got, exists := file.Metadata[name]
		if want == nil {
			return !exists || got == nil
		}
		return exists && looseEqual(got, want)
	}

	return false
}

func stringEqual(got string, want any) bool {
	switch w := want.(type) {
	case string:
		return got == w
	case fmt.Stringer:
		return got == w.String()
	default:
		return false
	}
}

func toUUID(v any) (uuid.UUID, error) {
	switch id := v.(type) {
	case uuid.UUID:
		return id, nil
	case string:
		return uuid.Parse(id)
	case []byte:
		return uuid.FromBytes(id)
	default:
		return uuid.Nil, fmt.Errorf("unsupported id type %T", v)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// looseEqual compares metadata values that may have passed through JSON,
// where every number becomes a float64.
func looseEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	if g, ok := toInt64(got); ok {
		if w, ok := toInt64(want); ok {
			return g == w
		}
	}
	if gs, ok := got.(string); ok {
		return stringEqual(gs, want)
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}
