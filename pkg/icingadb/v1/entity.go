package v1

import (
	"fmt"
	"github.com/icinga/icinga-go-library/database"
	"github.com/icinga/icinga-go-library/types"
)

// IdMeta is embedded by every type with a binary id.
type IdMeta struct {
	Id types.Binary `json:"id"`
}

// ID implements part of the database.IDer interface.
func (m IdMeta) ID() database.ID {
	return m.Id
}

// SetID implements part of the database.IDer interface.
//
// The id must be of type types.Binary. Otherwise, the method will panic.
func (m *IdMeta) SetID(id database.ID) {
	idBinary, ok := id.(types.Binary)
	if !ok {
		panic(fmt.Sprintf("expects types.Binary, got %T", id))
	}
	m.Id = idBinary
}

// EntityWithoutChecksum represents entities without a checksum.
type EntityWithoutChecksum struct {
	IdMeta `json:",inline"`
}

// Fingerprint implements the database.Fingerprinter interface.
func (e EntityWithoutChecksum) Fingerprint() database.Fingerprinter {
	return e
}

// Assert interface compliance.
var _ database.Entity = (*EntityWithoutChecksum)(nil)
