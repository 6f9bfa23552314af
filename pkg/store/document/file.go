// Package document owns file metadata records and enforces their schema.
//
// A File document has user-owned fields (filename, content type, aliases,
// the open metadata map) and system-owned fields (id, length, chunk size,
// upload date, md5) that only the upload pipeline may set. Files wraps an
// opaque Backend (the document database) and is the only component that
// decides which writes are legal.
package document

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultChunkSize is the chunk size of new files when none is configured.
	DefaultChunkSize int64 = 2 * 1024 * 1024

	// EmptyMD5 is the MD5 digest of zero bytes, the digest of a new file.
	EmptyMD5 = "d41d8cd98f00b204e9800998ecf8427e"
)

// Schema field names, shared by JSON, mapstructure and filters.
const (
	FieldID          = "_id"
	FieldFilename    = "filename"
	FieldContentType = "contentType"
	FieldLength      = "length"
	FieldChunkSize   = "chunkSize"
	FieldUploadDate  = "uploadDate"
	FieldMD5         = "md5"
	FieldAliases     = "aliases"
	FieldMetadata    = "metadata"
)

// systemFields are read-only for updates and forbidden from untrusted inserts.
var systemFields = map[string]bool{
	FieldID:         true,
	FieldLength:     true,
	FieldChunkSize:  true,
	FieldUploadDate: true,
	FieldMD5:        true,
}

// userFields may be set on insert and changed by update.
var userFields = map[string]bool{
	FieldFilename:    true,
	FieldContentType: true,
	FieldAliases:     true,
	FieldMetadata:    true,
}

// IsSystemField reports whether name is a system-owned field.
func IsSystemField(name string) bool { return systemFields[name] }

// IsSchemaField reports whether name is a recognized top-level field.
func IsSchemaField(name string) bool { return systemFields[name] || userFields[name] }

// File is the metadata record of one logical file.
//
// Length and MD5 describe the concatenation of all chunks once the file is
// complete (UploadDate set); a freshly inserted file has Length 0 and the
// empty-input digest.
type File struct {
	ID          uuid.UUID      `json:"_id" mapstructure:"_id"`
	Filename    string         `json:"filename" mapstructure:"filename" validate:"max=1024"`
	ContentType string         `json:"contentType" mapstructure:"contentType" validate:"max=255"`
	Length      int64          `json:"length" mapstructure:"length" validate:"gte=0"`
	ChunkSize   int64          `json:"chunkSize" mapstructure:"chunkSize" validate:"gt=0"`
	UploadDate  *time.Time     `json:"uploadDate,omitempty" mapstructure:"uploadDate"`
	MD5         string         `json:"md5" mapstructure:"md5" validate:"len=32,hexadecimal"`
	Aliases     []string       `json:"aliases" mapstructure:"aliases" validate:"dive,required"`
	Metadata    map[string]any `json:"metadata" mapstructure:"metadata"`
}

// Complete reports whether the file has been finalized.
func (f *File) Complete() bool {
	return f.UploadDate != nil
}

// Clone returns a deep copy of f. Metadata values are copied one level deep.
func (f *File) Clone() *File {
	c := *f
	if f.UploadDate != nil {
		t := *f.UploadDate
		c.UploadDate = &t
	}
	c.Aliases = slices.Clone(f.Aliases)
	c.Metadata = maps.Clone(f.Metadata)
	return &c
}

// SystemFields is the privileged update applied by finalize and data writes.
//
// A nil UploadDate marks the file incomplete. A zero ChunkSize leaves the
// chunk size unchanged.
type SystemFields struct {
	Length     int64
	MD5        string
	UploadDate *time.Time
	ChunkSize  int64
}

// Origin tells Insert whether the fields come from inside the trusted
// boundary (server code) or from a remote client.
type Origin int

const (
	// Trusted callers may set system fields such as the id.
	Trusted Origin = iota

	// Untrusted callers are rejected when setting any system field.
	Untrusted
)
