/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package image implements the on-flash image format: the fixed
// 32-byte header, the trailing protected/unprotected TLV blocks, and
// the TLV iterator that walks them. Layout and field names follow the
// real mcuboot `image_header`/`image_tlv_info` structures.
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"mynewt.apache.org/mcuboot/util"
)

// IMAGE_MAGIC is the magic mcuboot expects at offset 0 of every slot.
// Note: the teacher repo's own image.go carried 0x96f3b83d (its "v2"
// header generation, now dropped — see DESIGN.md); this engine
// implements a single header generation and follows the magic stated
// directly by the specification, which matches the teacher's v1
// header constant.
const IMAGE_MAGIC = 0x96f3b83c

const (
	IMAGE_TLV_INFO_MAGIC      = 0x6907 // "all TLVs" info record
	IMAGE_PROT_TLV_INFO_MAGIC = 0x6908 // "protected TLVs" info record
)

const (
	IMAGE_HEADER_SIZE   = 32
	IMAGE_TLV_INFO_SIZE = 4 // magic(u16) + tlv-tot-len(u16)
	IMAGE_TLV_HDR_SIZE  = 4 // type(u8) + pad(u8) + len(u16)
)

// Image header flags, per spec.md §3: encrypted / non-bootable /
// compressed / fixed-ROM-address / RAM-load.
const (
	IMAGE_F_PIC               = 0x00000001
	IMAGE_F_NON_BOOTABLE      = 0x00000002
	IMAGE_F_ENCRYPTED         = 0x00000004
	IMAGE_F_COMPRESSED        = 0x00000008
	IMAGE_F_FIXED_ROM_ADDRESS = 0x00000010
	IMAGE_F_RAM_LOAD          = 0x00000020
)

// TLV types. Recognised types per spec.md §3: SHA256, signature-RSA2048,
// signature-ECDSA-P256, signature-ED25519, dependency, encryption
// wrapped-key, security-counter, vendor-UUID, class-UUID.
const (
	IMAGE_TLV_KEYHASH     = 0x01
	IMAGE_TLV_SHA256      = 0x10
	IMAGE_TLV_RSA2048_PSS = 0x20
	IMAGE_TLV_ECDSA256    = 0x22
	IMAGE_TLV_ED25519     = 0x24
	IMAGE_TLV_ENC_RSA     = 0x30
	IMAGE_TLV_ENC_KW      = 0x31
	IMAGE_TLV_ENC_EC256   = 0x32
	IMAGE_TLV_ENC_X25519  = 0x33
	IMAGE_TLV_DEPENDENCY  = 0x40
	IMAGE_TLV_SEC_CNT     = 0x50
	IMAGE_TLV_VENDOR_UUID = 0x70
	IMAGE_TLV_CLASS_UUID  = 0x71
)

var imageTlvTypeNameMap = map[uint8]string{
	IMAGE_TLV_KEYHASH:     "KEYHASH",
	IMAGE_TLV_SHA256:      "SHA256",
	IMAGE_TLV_RSA2048_PSS: "RSA2048_PSS",
	IMAGE_TLV_ECDSA256:    "ECDSA256",
	IMAGE_TLV_ED25519:     "ED25519",
	IMAGE_TLV_ENC_RSA:     "ENC_RSA",
	IMAGE_TLV_ENC_KW:      "ENC_KW",
	IMAGE_TLV_ENC_EC256:   "ENC_EC256",
	IMAGE_TLV_ENC_X25519:  "ENC_X25519",
	IMAGE_TLV_DEPENDENCY:  "DEPENDENCY",
	IMAGE_TLV_SEC_CNT:     "SEC_CNT",
	IMAGE_TLV_VENDOR_UUID: "VENDOR_UUID",
	IMAGE_TLV_CLASS_UUID:  "CLASS_UUID",
}

func ImageTlvTypeName(tlvType uint8) string {
	if name, ok := imageTlvTypeNameMap[tlvType]; ok {
		return name
	}
	return "???"
}

func ImageTlvTypeIsSig(tlvType uint8) bool {
	switch tlvType {
	case IMAGE_TLV_RSA2048_PSS, IMAGE_TLV_ECDSA256, IMAGE_TLV_ED25519:
		return true
	default:
		return false
	}
}

func ImageTlvTypeIsEnc(tlvType uint8) bool {
	switch tlvType {
	case IMAGE_TLV_ENC_RSA, IMAGE_TLV_ENC_KW, IMAGE_TLV_ENC_EC256,
		IMAGE_TLV_ENC_X25519:
		return true
	default:
		return false
	}
}

type ImageVersion struct {
	Major    uint8
	Minor    uint8
	Rev      uint16
	BuildNum uint32
}

func ParseVersion(versStr string) (ImageVersion, error) {
	var ver ImageVersion

	components := strings.Split(versStr, ".")

	major, err := strconv.ParseUint(components[0], 10, 8)
	if err != nil {
		return ver, util.FmtNewtError("invalid version string %s", versStr)
	}
	ver.Major = uint8(major)

	if len(components) > 1 {
		minor, err := strconv.ParseUint(components[1], 10, 8)
		if err != nil {
			return ver, util.FmtNewtError("invalid version string %s", versStr)
		}
		ver.Minor = uint8(minor)
	}
	if len(components) > 2 {
		rev, err := strconv.ParseUint(components[2], 10, 16)
		if err != nil {
			return ver, util.FmtNewtError("invalid version string %s", versStr)
		}
		ver.Rev = uint16(rev)
	}
	if len(components) > 3 {
		build, err := strconv.ParseUint(components[3], 10, 32)
		if err != nil {
			return ver, util.FmtNewtError("invalid version string %s", versStr)
		}
		ver.BuildNum = uint32(build)
	}

	return ver, nil
}

func (v ImageVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Rev, v.BuildNum)
}

// Less reports whether v is an earlier version than o — used by the
// downgrade-prevention policy in boot/bootloader.
func (v ImageVersion) Less(o ImageVersion) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	if v.Rev != o.Rev {
		return v.Rev < o.Rev
	}
	return v.BuildNum < o.BuildNum
}

// ImageHeader is the fixed 32-byte record at the start of a slot.
type ImageHeader struct {
	Magic          uint32
	LoadAddr       uint32
	HdrSize        uint16
	ProtectTlvSize uint16
	ImgSize        uint32
	Flags          uint32
	Vers           ImageVersion
	ImageIndex     uint32
}

// TlvInfo is the small header that begins each TLV block (protected or
// unprotected), carrying a magic that names which block this is and
// the total byte length of that block, info record included.
type TlvInfo struct {
	Magic     uint16
	TlvTotLen uint16
}

type ImageTlvHdr struct {
	Type uint8
	Pad  uint8
	Len  uint16
}

type ImageTlv struct {
	Header ImageTlvHdr
	Data   []byte
}

// Image is a fully parsed on-flash image: header, body, and the
// protected/unprotected TLVs that follow it.
type Image struct {
	Header        ImageHeader
	Pad           []byte
	Body          []byte
	ProtectedTlvs []ImageTlv
	Tlvs          []ImageTlv
}

type ImageOffsets struct {
	Header        int
	Body          int
	ProtectedTlvs int
	Tlvs          int
	TotalSize     int
}

func (h *ImageHeader) Encrypted() bool    { return h.Flags&IMAGE_F_ENCRYPTED != 0 }
func (h *ImageHeader) NonBootable() bool  { return h.Flags&IMAGE_F_NON_BOOTABLE != 0 }
func (h *ImageHeader) Compressed() bool   { return h.Flags&IMAGE_F_COMPRESSED != 0 }
func (h *ImageHeader) RamLoad() bool      { return h.Flags&IMAGE_F_RAM_LOAD != 0 }
func (h *ImageHeader) FixedRomAddr() bool { return h.Flags&IMAGE_F_FIXED_ROM_ADDRESS != 0 }

// ReadImageSize returns header_size + body_size + protected_tlv_size +
// unprotected_tlv_size, bounding how many bytes of a slot are "image"
// rather than trailer (spec.md §4.2 read_image_size).
func (img *Image) ReadImageSize() (uint32, error) {
	offs, err := img.Offsets()
	if err != nil {
		return 0, err
	}
	return uint32(offs.TotalSize), nil
}

func (h *ImageHeader) Map(offset int) map[string]interface{} {
	return map[string]interface{}{
		"magic":     h.Magic,
		"load_addr": h.LoadAddr,
		"hdr_sz":    h.HdrSize,
		"prot_sz":   h.ProtectTlvSize,
		"img_sz":    h.ImgSize,
		"flags":     h.Flags,
		"vers":      h.Vers.String(),
		"img_index": h.ImageIndex,
		"_offset":   offset,
	}
}

func (tlv *ImageTlv) Map(offset int) map[string]interface{} {
	return map[string]interface{}{
		"type":     tlv.Header.Type,
		"len":      tlv.Header.Len,
		"data":     hex.EncodeToString(tlv.Data),
		"_typestr": ImageTlvTypeName(tlv.Header.Type),
		"_offset":  offset,
	}
}

func (img *Image) Map() (map[string]interface{}, error) {
	offs, err := img.Offsets()
	if err != nil {
		return nil, err
	}

	m := map[string]interface{}{}
	m["header"] = img.Header.Map(offs.Header)

	protTlvMaps := []map[string]interface{}{}
	off := offs.ProtectedTlvs
	for _, tlv := range img.ProtectedTlvs {
		protTlvMaps = append(protTlvMaps, tlv.Map(off))
		off += IMAGE_TLV_HDR_SIZE + len(tlv.Data)
	}
	m["protected_tlvs"] = protTlvMaps

	tlvMaps := []map[string]interface{}{}
	off = offs.Tlvs
	for _, tlv := range img.Tlvs {
		tlvMaps = append(tlvMaps, tlv.Map(off))
		off += IMAGE_TLV_HDR_SIZE + len(tlv.Data)
	}
	m["tlvs"] = tlvMaps

	return m, nil
}

func (img *Image) Json() (string, error) {
	m, err := img.Map()
	if err != nil {
		return "", err
	}

	b, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return "", util.ChildNewtError(err)
	}

	return string(b), nil
}

func (tlv *ImageTlv) Write(w io.Writer) (int, error) {
	if err := binary.Write(w, binary.LittleEndian, &tlv.Header); err != nil {
		return 0, util.ChildNewtError(err)
	}
	n, err := w.Write(tlv.Data)
	if err != nil {
		return IMAGE_TLV_HDR_SIZE, util.ChildNewtError(err)
	}
	return IMAGE_TLV_HDR_SIZE + n, nil
}

func findTlvs(tlvs []ImageTlv, tlvType uint8) []ImageTlv {
	var found []ImageTlv
	for _, tlv := range tlvs {
		if tlv.Header.Type == tlvType {
			found = append(found, tlv)
		}
	}
	return found
}

// FindTlvs searches the unprotected TLV block, matching the iteration
// order a reader normally cares about (signatures, hash).
func (img *Image) FindTlvs(tlvType uint8) []ImageTlv {
	return findTlvs(img.Tlvs, tlvType)
}

// FindProtectedTlvs searches the protected TLV block (dependency,
// security-counter, vendor/class UUID all live here in practice).
func (img *Image) FindProtectedTlvs(tlvType uint8) []ImageTlv {
	return findTlvs(img.ProtectedTlvs, tlvType)
}

// FindAnyTlvs searches both blocks, protected first — matching
// spec.md §4.2's iteration rule that the protected block is walked
// before the unprotected one.
func (img *Image) FindAnyTlvs(tlvType uint8) []ImageTlv {
	return append(append([]ImageTlv{}, img.FindProtectedTlvs(tlvType)...),
		img.FindTlvs(tlvType)...)
}

func (img *Image) FindUniqueTlv(tlvType uint8) (*ImageTlv, error) {
	tlvs := img.FindAnyTlvs(tlvType)
	if len(tlvs) == 0 {
		return nil, nil
	}
	if len(tlvs) > 1 {
		return nil, util.FmtNewtError(
			"image contains %d TLVs with type %d", len(tlvs), tlvType)
	}
	return &tlvs[0], nil
}

func (img *Image) Hash() ([]byte, error) {
	tlv, err := img.FindUniqueTlv(IMAGE_TLV_SHA256)
	if err != nil {
		return nil, err
	}
	if tlv == nil {
		return nil, util.FmtNewtError("image does not contain hash TLV")
	}
	return tlv.Data, nil
}

func tlvBlockLen(tlvs []ImageTlv) int {
	n := IMAGE_TLV_INFO_SIZE
	for _, tlv := range tlvs {
		n += IMAGE_TLV_HDR_SIZE + len(tlv.Data)
	}
	return n
}

func writeTlvBlock(w io.Writer, magic uint16, tlvs []ImageTlv) (int, error) {
	info := TlvInfo{Magic: magic, TlvTotLen: uint16(tlvBlockLen(tlvs))}
	if err := binary.Write(w, binary.LittleEndian, &info); err != nil {
		return 0, util.ChildNewtError(err)
	}

	n := IMAGE_TLV_INFO_SIZE
	for _, tlv := range tlvs {
		size, err := tlv.Write(w)
		if err != nil {
			return n, err
		}
		n += size
	}

	return n, nil
}

// WritePlusOffsets serializes the image and reports the byte offset of
// each section, mirroring the layout spec.md §6 describes.
func (img *Image) WritePlusOffsets(w io.Writer) (ImageOffsets, error) {
	offs := ImageOffsets{}
	offset := 0

	offs.Header = offset
	if err := binary.Write(w, binary.LittleEndian, &img.Header); err != nil {
		return offs, util.ChildNewtError(err)
	}
	offset += IMAGE_HEADER_SIZE

	if err := binary.Write(w, binary.LittleEndian, img.Pad); err != nil {
		return offs, util.ChildNewtError(err)
	}
	offset += len(img.Pad)

	offs.Body = offset
	n, err := w.Write(img.Body)
	if err != nil {
		return offs, util.ChildNewtError(err)
	}
	offset += n

	if len(img.ProtectedTlvs) > 0 {
		offs.ProtectedTlvs = offset
		n, err := writeTlvBlock(w, IMAGE_PROT_TLV_INFO_MAGIC, img.ProtectedTlvs)
		if err != nil {
			return offs, err
		}
		offset += n
	}

	offs.Tlvs = offset
	n, err = writeTlvBlock(w, IMAGE_TLV_INFO_MAGIC, img.Tlvs)
	if err != nil {
		return offs, err
	}
	offset += n

	offs.TotalSize = offset

	return offs, nil
}

func (img *Image) Offsets() (ImageOffsets, error) {
	return img.WritePlusOffsets(io.Discard)
}

func (img *Image) TotalSize() (int, error) {
	offs, err := img.Offsets()
	if err != nil {
		return 0, err
	}
	return offs.TotalSize, nil
}

func (img *Image) Write(w io.Writer) (int, error) {
	offs, err := img.WritePlusOffsets(w)
	if err != nil {
		return 0, err
	}
	return offs.TotalSize, nil
}

// ComputeHash reproduces the exact digest the image-signing TLVs are
// computed over: an optional loader-linked initial hash, the fixed
// header (padded out to hdr.HdrSize if larger than
// IMAGE_HEADER_SIZE), then the image body. Both the image creator and
// boot/validate call this so a signature verifies against the same
// bytes it was produced over.
func ComputeHash(initialHash []byte, hdr ImageHeader, body []byte) ([]byte, error) {
	hash := sha256.New()

	if initialHash != nil {
		if err := binary.Write(hash, binary.LittleEndian, initialHash); err != nil {
			return nil, util.FmtNewtError("failed to hash data: %s", err.Error())
		}
	}

	if err := binary.Write(hash, binary.LittleEndian, &hdr); err != nil {
		return nil, util.FmtNewtError("failed to hash data: %s", err.Error())
	}

	extra := int(hdr.HdrSize) - IMAGE_HEADER_SIZE
	if extra > 0 {
		if err := binary.Write(hash, binary.LittleEndian, make([]byte, extra)); err != nil {
			return nil, util.FmtNewtError("failed to hash data: %s", err.Error())
		}
	}

	if err := binary.Write(hash, binary.LittleEndian, body); err != nil {
		return nil, util.FmtNewtError("failed to hash data: %s", err.Error())
	}

	return hash.Sum(nil), nil
}

func parseRawHeader(imgData []byte, offset int) (ImageHeader, int, error) {
	var hdr ImageHeader

	r := bytes.NewReader(imgData)
	r.Seek(int64(offset), io.SeekStart)

	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, 0, util.FmtNewtError(
			"error reading image header: %s", err.Error())
	}

	if hdr.Magic != IMAGE_MAGIC {
		return hdr, 0, util.FmtNewtError(
			"image magic incorrect; expected 0x%08x, got 0x%08x",
			uint32(IMAGE_MAGIC), hdr.Magic)
	}

	remLen := len(imgData) - offset
	if remLen < int(hdr.HdrSize) {
		return hdr, 0, util.FmtNewtError(
			"image header incomplete; expected %d bytes, got %d bytes",
			hdr.HdrSize, remLen)
	}

	// Guard against a crafted header whose size fields would overflow a
	// 32-bit sum, per spec.md §3's ImageHeader invariant.
	total := uint64(hdr.HdrSize) + uint64(hdr.ImgSize) + uint64(hdr.ProtectTlvSize)
	if total > 0xFFFFFFFF {
		return hdr, 0, util.FmtNewtError(
			"image header size fields overflow a 32-bit sum")
	}

	return hdr, int(hdr.HdrSize), nil
}

// HeaderErased reports whether the first 32 bytes of imgData are all
// erasedVal, per spec.md §4.2's header_erased check.
func HeaderErased(imgData []byte, erasedVal byte) bool {
	if len(imgData) < IMAGE_HEADER_SIZE {
		return false
	}
	for _, b := range imgData[:IMAGE_HEADER_SIZE] {
		if b != erasedVal {
			return false
		}
	}
	return true
}

func parseRawBody(imgData []byte, hdr ImageHeader,
	offset int) ([]byte, int, error) {

	imgSz := int(hdr.ImgSize)
	remLen := len(imgData) - offset

	if remLen < imgSz {
		return nil, 0, util.FmtNewtError(
			"image body incomplete; expected %d bytes, got %d bytes",
			imgSz, remLen)
	}

	return imgData[offset : offset+imgSz], imgSz, nil
}

func parseRawTlv(imgData []byte, offset, blockEnd int) (ImageTlv, int, error) {
	tlv := ImageTlv{}

	r := bytes.NewReader(imgData)
	r.Seek(int64(offset), io.SeekStart)

	if err := binary.Read(r, binary.LittleEndian, &tlv.Header); err != nil {
		return tlv, 0, util.FmtNewtError(
			"image contains invalid TLV at offset %d: %s", offset, err.Error())
	}

	end := offset + IMAGE_TLV_HDR_SIZE + int(tlv.Header.Len)
	if end > blockEnd {
		return tlv, 0, util.FmtNewtError(
			"TLV at offset %d declares length past its block boundary",
			offset)
	}

	tlv.Data = make([]byte, tlv.Header.Len)
	if _, err := r.Read(tlv.Data); err != nil {
		return tlv, 0, util.FmtNewtError(
			"image contains invalid TLV at offset %d: %s", offset, err.Error())
	}

	return tlv, IMAGE_TLV_HDR_SIZE + int(tlv.Header.Len), nil
}

// parseTlvBlock reads one TLV info record plus the TLVs it bounds,
// verifying the magic matches wantMagic (spec.md §4.2).
func parseTlvBlock(imgData []byte, offset int, wantMagic uint16,
	what string) ([]ImageTlv, int, error) {

	var info TlvInfo

	r := bytes.NewReader(imgData)
	r.Seek(int64(offset), io.SeekStart)
	if err := binary.Read(r, binary.LittleEndian, &info); err != nil {
		return nil, 0, util.FmtNewtError(
			"error reading %s TLV info record: %s", what, err.Error())
	}
	if info.Magic != wantMagic {
		return nil, 0, util.FmtNewtError(
			"%s TLV info record has wrong magic; expected 0x%04x, got 0x%04x",
			what, wantMagic, info.Magic)
	}

	blockEnd := offset + int(info.TlvTotLen)
	if blockEnd > len(imgData) {
		return nil, 0, util.FmtNewtError(
			"%s TLV block extends past end of image data", what)
	}

	var tlvs []ImageTlv
	pos := offset + IMAGE_TLV_INFO_SIZE
	for pos < blockEnd {
		tlv, size, err := parseRawTlv(imgData, pos, blockEnd)
		if err != nil {
			return nil, 0, err
		}
		tlvs = append(tlvs, tlv)
		pos += size
	}

	if pos != blockEnd {
		return nil, 0, util.FmtNewtError(
			"%s TLV block length mismatch: declared %d, actual %d",
			what, info.TlvTotLen, pos-offset)
	}

	return tlvs, int(info.TlvTotLen), nil
}

// ParseHeader reads just the fixed 32-byte header at the start of
// imgData, without requiring the rest of the image (body, TLVs) to be
// present or well-formed. Useful when a caller only needs the load
// address or version and wants to avoid reading a whole slot.
func ParseHeader(imgData []byte) (ImageHeader, error) {
	hdr, _, err := parseRawHeader(imgData, 0)
	return hdr, err
}

// ParseImage parses a complete on-flash image: header, body, optional
// protected TLV block, then the unprotected TLV block.
func ParseImage(imgData []byte) (Image, error) {
	img := Image{}
	offset := 0

	hdr, size, err := parseRawHeader(imgData, offset)
	if err != nil {
		return img, err
	}
	offset = int(hdr.HdrSize)

	body, size, err := parseRawBody(imgData, hdr, offset)
	if err != nil {
		return img, err
	}
	offset += size

	if hdr.ProtectTlvSize > 0 {
		protTlvs, size, err := parseTlvBlock(
			imgData, offset, IMAGE_PROT_TLV_INFO_MAGIC, "protected")
		if err != nil {
			return img, err
		}
		if size != int(hdr.ProtectTlvSize) {
			return img, util.FmtNewtError(
				"protected TLV block size mismatch: header says %d, block is %d",
				hdr.ProtectTlvSize, size)
		}
		img.ProtectedTlvs = protTlvs
		offset += size
	}

	tlvs, _, err := parseTlvBlock(imgData, offset, IMAGE_TLV_INFO_MAGIC, "unprotected")
	if err != nil {
		return img, err
	}

	img.Header = hdr
	img.Body = body
	img.Tlvs = tlvs

	return img, nil
}
