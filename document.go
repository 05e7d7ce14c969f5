package docstore

import (
	"encoding/json"
	"time"
)

// Version is the opaque token a Store hands out on every successful write.
// Callers must treat it as opaque: its only use is to be passed back on the
// next conditional write to prove the caller observed the latest state.
// The zero value means "no version held".
type Version uint64

// Meta carries the document bookkeeping fields. Entity structs embed it by
// value; the repository owns every field in here and overwrites whatever a
// caller may have put into ID/Type/CreatedAt/UpdatedAt on Create and Update.
//
// The version token is deliberately an unexported field so that it can never
// leak into the serialized document body.
type Meta struct {
	ID        string     `json:"id"`
	Type      string     `json:"documentType"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`

	version Version
}

// DocumentMeta implements Entity.
func (m *Meta) DocumentMeta() *Meta { return m }

// Version returns the token attached by the last Create/Get/Update on this
// entity value, or 0 if the value never round-tripped through a repository.
func (m *Meta) Version() Version { return m.version }

// Entity is satisfied by a pointer to any struct embedding Meta.
type Entity interface {
	DocumentMeta() *Meta
}

// EntityPtr constrains a repository's entity type to *T while still giving
// access to the embedded Meta.
type EntityPtr[T any] interface {
	Entity
	*T
}

// RawDocument is what a Store query yields: the stored body together with its
// out-of-band version token.
type RawDocument struct {
	ID      string
	Body    json.RawMessage
	Version Version
}
