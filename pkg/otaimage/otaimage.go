// Package otaimage parses and encodes Zigbee OTA upgrade files.
package otaimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidImage = errors.New("invalid OTA image")

	byteOrder = binary.LittleEndian
)

// UpgradeFileID is the magic number every OTA upgrade file starts with.
const UpgradeFileID = uint32(0x0BEEF11E)

const (
	FieldControlSecurityCredential = uint16(0x1)
	FieldControlDeviceSpecific     = uint16(0x2)
	FieldControlHardwareVersions   = uint16(0x4)
)

const (
	TagUpgradeImage       = uint16(0x0000)
	TagECDSASignature     = uint16(0x0001)
	TagECDSACertificate   = uint16(0x0002)
	TagImageIntegrityCode = uint16(0x0003)
)

const (
	// fixed part of the header, up to and including TotalImageSize
	baseHeaderLength  = 56
	headerStringSize  = 32
	elementHeaderSize = 6
)

// OTA upgrade file format (little endian)
// [ upgrade file id (4) ][ header version (2) ][ header length (2) ]
// [ field control (2) ][ manufacturer code (2) ][ image type (2) ]
// [ file version (4) ][ stack version (2) ][ header string (32) ]
// [ total image size (4) ][ optional fields ]
// [ sub elements: tag (2) length (4) data ]...

type Header struct {
	UpgradeFileID    uint32 `json:"upgradeFileId"`
	HeaderVersion    uint16 `json:"headerVersion"`
	HeaderLength     uint16 `json:"headerLength"`
	FieldControl     uint16 `json:"fieldControl"`
	ManufacturerCode uint16 `json:"manufacturerCode"`
	ImageType        uint16 `json:"imageType"`
	FileVersion      uint32 `json:"fileVersion"`
	StackVersion     uint16 `json:"stackVersion"`
	HeaderString     string `json:"headerString"`
	TotalImageSize   uint32 `json:"totalImageSize"`

	// present only when the matching FieldControl bit is set
	SecurityCredentialVersion uint8   `json:"securityCredentialVersion,omitempty"`
	UpgradeFileDestination    [8]byte `json:"upgradeFileDestination"`
	MinimumHardwareVersion    uint16  `json:"minimumHardwareVersion,omitempty"`
	MaximumHardwareVersion    uint16  `json:"maximumHardwareVersion,omitempty"`
}

type Element struct {
	TagID uint16
	Data  []byte
}

type Image struct {
	Header   Header
	Elements []Element
	Raw      []byte
}

func (h *Header) optionalLength() int {
	l := 0
	if h.FieldControl&FieldControlSecurityCredential != 0 {
		l += 1
	}
	if h.FieldControl&FieldControlDeviceSpecific != 0 {
		l += 8
	}
	if h.FieldControl&FieldControlHardwareVersions != 0 {
		l += 4
	}
	return l
}

// Parse decodes raw as an OTA upgrade file. The first TotalImageSize bytes
// must be covered by the header and its sub elements; bytes past it are
// ignored and left out of Image.Raw.
func Parse(raw []byte) (*Image, error) {
	if len(raw) < baseHeaderLength {
		return nil, fmt.Errorf("%w: too short (%d bytes)", ErrInvalidImage, len(raw))
	}

	h := Header{
		UpgradeFileID:    byteOrder.Uint32(raw[0:4]),
		HeaderVersion:    byteOrder.Uint16(raw[4:6]),
		HeaderLength:     byteOrder.Uint16(raw[6:8]),
		FieldControl:     byteOrder.Uint16(raw[8:10]),
		ManufacturerCode: byteOrder.Uint16(raw[10:12]),
		ImageType:        byteOrder.Uint16(raw[12:14]),
		FileVersion:      byteOrder.Uint32(raw[14:18]),
		StackVersion:     byteOrder.Uint16(raw[18:20]),
		HeaderString:     string(bytes.TrimRight(raw[20:52], "\x00")),
		TotalImageSize:   byteOrder.Uint32(raw[52:56]),
	}
	if h.UpgradeFileID != UpgradeFileID {
		return nil, fmt.Errorf("%w: unexpected file identifier 0x%08x", ErrInvalidImage, h.UpgradeFileID)
	}

	if int64(h.TotalImageSize) > int64(len(raw)) {
		return nil, fmt.Errorf("%w: image truncated (total image size=%d actual=%d)", ErrInvalidImage, h.TotalImageSize, len(raw))
	}
	// vendors may pad the file past the image
	raw = raw[:h.TotalImageSize]

	minLength := baseHeaderLength + h.optionalLength()
	if int(h.HeaderLength) < minLength || int(h.HeaderLength) > len(raw) {
		return nil, fmt.Errorf("%w: header length %d out of range [%d, %d]", ErrInvalidImage, h.HeaderLength, minLength, len(raw))
	}

	pos := baseHeaderLength
	if h.FieldControl&FieldControlSecurityCredential != 0 {
		h.SecurityCredentialVersion = raw[pos]
		pos += 1
	}
	if h.FieldControl&FieldControlDeviceSpecific != 0 {
		copy(h.UpgradeFileDestination[:], raw[pos:pos+8])
		pos += 8
	}
	if h.FieldControl&FieldControlHardwareVersions != 0 {
		h.MinimumHardwareVersion = byteOrder.Uint16(raw[pos : pos+2])
		h.MaximumHardwareVersion = byteOrder.Uint16(raw[pos+2 : pos+4])
	}

	elements, err := parseElements(raw, int(h.HeaderLength))
	if err != nil {
		return nil, err
	}

	return &Image{
		Header:   h,
		Elements: elements,
		Raw:      raw,
	}, nil
}

func parseElements(raw []byte, offset int) ([]Element, error) {
	elements := []Element{}
	pos := offset
	for pos < len(raw) {
		if len(raw)-pos < elementHeaderSize {
			return nil, fmt.Errorf("%w: truncated sub element header at offset %d", ErrInvalidImage, pos)
		}
		tag := byteOrder.Uint16(raw[pos : pos+2])
		length := int64(byteOrder.Uint32(raw[pos+2 : pos+6]))
		pos += elementHeaderSize
		if length > int64(len(raw)-pos) {
			return nil, fmt.Errorf("%w: sub element 0x%04x overruns image (length=%d remaining=%d)", ErrInvalidImage, tag, length, len(raw)-pos)
		}
		elements = append(elements, Element{
			TagID: tag,
			Data:  raw[pos : pos+int(length)],
		})
		pos += int(length)
	}

	return elements, nil
}

// Element returns the first sub element with the given tag.
func (img *Image) Element(tag uint16) (*Element, bool) {
	for i := range img.Elements {
		if img.Elements[i].TagID == tag {
			return &img.Elements[i], true
		}
	}
	return nil, false
}

// Marshal encodes the image. HeaderLength and TotalImageSize are derived
// from the header's FieldControl and the elements, and written back to
// img.Header along with the result in img.Raw.
func (img *Image) Marshal() ([]byte, error) {
	h := &img.Header
	if len(h.HeaderString) > headerStringSize {
		return nil, fmt.Errorf("header string too long (%d > %d)", len(h.HeaderString), headerStringSize)
	}
	if h.UpgradeFileID == 0 {
		h.UpgradeFileID = UpgradeFileID
	}
	h.HeaderLength = uint16(baseHeaderLength + h.optionalLength())
	total := int64(h.HeaderLength)
	for _, e := range img.Elements {
		total += elementHeaderSize + int64(len(e.Data))
	}
	if total > int64(^uint32(0)) {
		return nil, fmt.Errorf("image too large (%d bytes)", total)
	}
	h.TotalImageSize = uint32(total)

	out := bytes.NewBuffer(make([]byte, 0, total))
	headerString := make([]byte, headerStringSize)
	copy(headerString, h.HeaderString)
	fields := []any{
		h.UpgradeFileID,
		h.HeaderVersion,
		h.HeaderLength,
		h.FieldControl,
		h.ManufacturerCode,
		h.ImageType,
		h.FileVersion,
		h.StackVersion,
		headerString,
		h.TotalImageSize,
	}
	if h.FieldControl&FieldControlSecurityCredential != 0 {
		fields = append(fields, h.SecurityCredentialVersion)
	}
	if h.FieldControl&FieldControlDeviceSpecific != 0 {
		fields = append(fields, h.UpgradeFileDestination)
	}
	if h.FieldControl&FieldControlHardwareVersions != 0 {
		fields = append(fields, h.MinimumHardwareVersion, h.MaximumHardwareVersion)
	}
	for _, e := range img.Elements {
		fields = append(fields, e.TagID, uint32(len(e.Data)), e.Data)
	}
	for _, f := range fields {
		err := binary.Write(out, byteOrder, f)
		if err != nil {
			return nil, err
		}
	}

	img.Raw = out.Bytes()
	return img.Raw, nil
}
