package update

import (
	"errors"
	"fmt"

	"github.com/joon704/zigbee-herdsman-converters/pkg/archive"
	"github.com/joon704/zigbee-herdsman-converters/pkg/catalog"
	"github.com/joon704/zigbee-herdsman-converters/pkg/otaimage"
	"github.com/joon704/zigbee-herdsman-converters/pkg/transport"
	"github.com/joon704/zigbee-herdsman-converters/pkg/version"
)

// Every failure of the pipeline matches one of these with errors.Is.
var (
	ErrNotFound        = catalog.ErrNotFound
	ErrNoUpdate        = version.ErrNoUpdate
	ErrArchiveCorrupt  = archive.ErrCorrupt
	ErrTransport       = transport.ErrTransport
	ErrInvalidImage    = otaimage.ErrInvalidImage
	ErrInvalidCatalog  = catalog.ErrInvalidCatalog
	ErrInvalidRecord   = catalog.ErrInvalidRecord
	ErrPayloadNotFound = errors.New("firmware payload not found")
	// ErrAmbiguousPayload is always wrapped together with ErrPayloadNotFound.
	ErrAmbiguousPayload = errors.New("multiple firmware payloads found")
	ErrIdentityMismatch = errors.New("image identity mismatch")
)

const (
	FieldFileVersion      = "fileVersion"
	FieldManufacturerCode = "manufacturerCode"
	FieldImageType        = "imageType"
)

// IdentityMismatchError reports the first header field that disagrees
// with the expected identity.
type IdentityMismatchError struct {
	Field    string
	Expected uint32
	Actual   uint32
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("%v: %s (expected=0x%x actual=0x%x)", ErrIdentityMismatch, e.Field, e.Expected, e.Actual)
}

func (e *IdentityMismatchError) Is(target error) bool {
	return target == ErrIdentityMismatch
}
