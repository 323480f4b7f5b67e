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

// Package trailer reads and writes the fixed-layout image trailer
// that lives at the end of every slot, and classifies a pair of
// trailers (primary + secondary) into the SwapType the bootloader
// must act on. Field names, magic/flag state names, and the write
// ordering in Write all follow boot_swap_type_t / boot_magic_t /
// boot_flag_t and swap_status_init in the original C bootutil
// sources; the per-sector status region and write-alignment padding
// follow swap_status.c's boot_status_off.
package trailer

import (
	"mynewt.apache.org/mcuboot/artifact/flash"
	"mynewt.apache.org/mcuboot/sim/flashsim"
	"mynewt.apache.org/mcuboot/util"
)

// Magic is the trailer's terminal 16-byte marker, read as one of
// three states rather than compared byte-for-byte everywhere it's
// used.
type Magic int

const (
	MagicGood Magic = iota
	MagicUnset
	MagicBad
)

func (m Magic) String() string {
	switch m {
	case MagicGood:
		return "GOOD"
	case MagicUnset:
		return "UNSET"
	default:
		return "BAD"
	}
}

// magicVal is the 16-byte "good" trailer magic, identical across slot
// and scratch trailers. The byte values are the same constant the
// original implementation embeds as four little-endian uint32s.
var magicVal = [16]byte{
	0x77, 0xc2, 0x95, 0xf3,
	0x60, 0xd2, 0xef, 0x7f,
	0x35, 0x52, 0x50, 0x0f,
	0x2c, 0xb6, 0x79, 0x80,
}

// classifyMagic reads the last 16 bytes of b (any leading bytes are
// alignment padding) and classifies them the same way regardless of
// how wide the padded magic field is.
func classifyMagic(b []byte) Magic {
	if len(b) < 16 {
		return MagicBad
	}
	tail := b[len(b)-16:]
	allErased := true
	for _, v := range tail {
		if v != 0xff {
			allErased = false
			break
		}
	}
	if allErased {
		return MagicUnset
	}
	for i := range magicVal {
		if tail[i] != magicVal[i] {
			return MagicBad
		}
	}
	return MagicGood
}

// Flag is the one-byte image_ok / copy_done trailer field.
type Flag int

const (
	FlagSet Flag = iota
	FlagUnset
	FlagBad
)

func classifyFlag(b byte) Flag {
	switch b {
	case 0x01:
		return FlagSet
	case 0xff:
		return FlagUnset
	default:
		return FlagBad
	}
}

func flagByte(f Flag) byte {
	switch f {
	case FlagSet:
		return 0x01
	default:
		return 0xff
	}
}

// SwapType is the resolved action the bootloader must take for an
// image pair, per spec.md §4.5's classification table.
type SwapType int

const (
	SwapTypeNone SwapType = iota
	SwapTypeTest
	SwapTypePerm
	SwapTypeRevert
	SwapTypeFail
	SwapTypePanic
)

func (t SwapType) String() string {
	switch t {
	case SwapTypeNone:
		return "none"
	case SwapTypeTest:
		return "test"
	case SwapTypePerm:
		return "perm"
	case SwapTypeRevert:
		return "revert"
	case SwapTypeFail:
		return "fail"
	default:
		return "panic"
	}
}

// packSwapInfo packs the swap type and the target image number into
// the single swap-info trailer byte, matching BOOT_SWAP_INFO layout:
// the low nibble holds the swap type, the high nibble the image
// number.
func packSwapInfo(t SwapType, imageNum uint8) byte {
	return byte(t&0x0f) | (imageNum << 4)
}

// classifySwapInfo decodes the swap-info byte, treating an erased
// byte as SwapTypeNone explicitly rather than letting its low nibble
// (0x0f) decode as whatever numeric SwapType happens to sit there —
// a trailer that has never had a swap started on it reads back
// erased, and must classify as "no swap", not noise.
func classifySwapInfo(b byte) (SwapType, uint8) {
	if b == 0xff {
		return SwapTypeNone, 0
	}
	return SwapType(b & 0x0f), (b >> 4) & 0x0f
}

// State is one slot's parsed trailer: transient bookkeeping read
// fresh from flash at every boot, never assumed to persist in RAM
// across resets.
type State struct {
	SwapSize    uint32
	SwapType    SwapType
	ImageNum    uint8
	CopyDone    Flag
	ImageOk     Flag
	Magic       Magic
	EncryptKey0 []byte
	EncryptKey1 []byte

	// Status is the per-sector swap-progress region, one byte per
	// iteration of the configured SwapEngine algorithm, in the
	// algorithm's own iteration order (not raw sector number).
	// ResumePoint turns this back into a sector count to resume from.
	Status []byte
}

const (
	magicSize    = 16
	swapSizeSize = 4
	swapInfoSize = 1
	copyDoneSize = 1
	imageOkSize  = 1
)

// encKeySize is the size of one wrapped content-encryption key slot
// (raw AES-128 key wrapped with AES-KW, per artifact/sec.EncryptSecretAes).
const encKeySize = 24

// Layout describes the device-specific geometry a trailer is packed
// against: the write alignment every field must be padded up to, how
// many per-sector status bytes the region needs, and whether the two
// encryption-key slots are present at all.
type Layout struct {
	Align       int
	SectorCount int
	Encrypted   bool
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	if r := n % align; r != 0 {
		return n + (align - r)
	}
	return n
}

// field returns the padded width of an n-byte field under this
// layout's alignment.
func (l Layout) field(n int) int {
	return alignUp(n, l.Align)
}

// magicLen is padded up to max(16, align), same as the original's
// BOOT_MAGIC_SZ padding rule: the magic never shrinks below 16 bytes,
// only grows to meet a coarser alignment.
func (l Layout) magicLen() int {
	n := magicSize
	if l.Align > n {
		n = alignUp(n, l.Align)
	}
	return n
}

func (l Layout) statusLen() int {
	if l.SectorCount <= 0 {
		return 0
	}
	return l.SectorCount * l.field(1)
}

func (l Layout) encLen() int {
	if !l.Encrypted {
		return 0
	}
	return 2 * l.field(encKeySize)
}

// Size is the trailer's total padded byte length.
func (l Layout) Size() int {
	return l.statusLen() + l.encLen() + l.field(swapSizeSize) + l.field(swapInfoSize) +
		l.field(copyDoneSize) + l.field(imageOkSize) + l.magicLen()
}

// offsets returns each field's byte offset from the start of the
// Size()-byte trailer buffer, in on-flash order: status region first,
// then (if encrypted) the key slots, then swap-size, swap-info,
// copy-done, image-ok, and finally the magic.
func (l Layout) offsets() (status, enc, swapSize, swapInfo, copyDone, imageOk, magic int) {
	status = 0
	enc = status + l.statusLen()
	swapSize = enc + l.encLen()
	swapInfo = swapSize + l.field(swapSizeSize)
	copyDone = swapInfo + l.field(swapInfoSize)
	imageOk = copyDone + l.field(copyDoneSize)
	magic = imageOk + l.field(imageOkSize)
	return
}

// LayoutFor builds the Layout for area given the configured sector
// size and whether its image is encrypted, reading the write
// alignment back from the simulated device so callers never have to
// hardcode it.
func LayoutFor(m *flashsim.Map, area flash.FlashArea, sectorSize int, encrypted bool) (Layout, error) {
	align, err := m.Align(area)
	if err != nil {
		return Layout{}, err
	}
	sectors := 0
	if sectorSize > 0 {
		sectors = area.Size / sectorSize
	}
	return Layout{Align: align, SectorCount: sectors, Encrypted: encrypted}, nil
}

// ResumePoint turns a status region read back from flash into the
// count of algorithm iterations already completed: the number of
// leading non-erased bytes. A boot that finds 17 committed status
// bytes resumes at iteration 17, per spec.md §8 scenario 6.
func ResumePoint(status []byte) int {
	n := 0
	for _, b := range status {
		if b == 0xff {
			break
		}
		n++
	}
	return n
}

// Read parses the trailer at the end of area under layout.
func Read(m *flashsim.Map, area flash.FlashArea, layout Layout) (State, error) {
	size := layout.Size()
	buf, err := m.ReadArea(area, area.Size-size, size)
	if err != nil {
		return State{}, util.FmtNewtError(
			"error reading trailer of area %s: %s", area.Name, err.Error())
	}

	statusOff, encOff, swapSizeOff, swapInfoOff, copyDoneOff, imageOkOff, magicOff := layout.offsets()

	var st State
	if layout.SectorCount > 0 {
		width := layout.field(1)
		st.Status = make([]byte, layout.SectorCount)
		for i := 0; i < layout.SectorCount; i++ {
			st.Status[i] = buf[statusOff+i*width]
		}
	}

	if layout.Encrypted {
		keyWidth := layout.field(encKeySize)
		st.EncryptKey0 = append([]byte(nil), buf[encOff:encOff+encKeySize]...)
		st.EncryptKey1 = append([]byte(nil), buf[encOff+keyWidth:encOff+keyWidth+encKeySize]...)
	}

	st.SwapSize = uint32(buf[swapSizeOff]) | uint32(buf[swapSizeOff+1])<<8 |
		uint32(buf[swapSizeOff+2])<<16 | uint32(buf[swapSizeOff+3])<<24

	st.SwapType, st.ImageNum = classifySwapInfo(buf[swapInfoOff])
	st.CopyDone = classifyFlag(buf[copyDoneOff])
	st.ImageOk = classifyFlag(buf[imageOkOff])
	st.Magic = classifyMagic(buf[magicOff : magicOff+layout.magicLen()])

	return st, nil
}

// Write serializes st at the end of area, following swap_status_init's
// ordering: the status region and swap-info/swap-size are written
// first, copy-done and image-ok next, and the magic is always written
// last — so a power failure mid-write can never leave a GOOD magic
// guarding a half-written trailer. Every single-byte field is padded
// up to layout.Align; fields this call doesn't set are left as 0xff,
// which the AND-only flash model treats as "leave whatever is already
// there alone".
func Write(m *flashsim.Map, area flash.FlashArea, st State, layout Layout) error {
	size := layout.Size()
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xff
	}

	statusOff, encOff, swapSizeOff, swapInfoOff, copyDoneOff, imageOkOff, magicOff := layout.offsets()

	if layout.SectorCount > 0 && len(st.Status) > 0 {
		width := layout.field(1)
		for i := 0; i < layout.SectorCount && i < len(st.Status); i++ {
			buf[statusOff+i*width] = st.Status[i]
		}
	}

	if layout.Encrypted {
		if len(st.EncryptKey0) != encKeySize || len(st.EncryptKey1) != encKeySize {
			return util.NewNewtError("encrypted trailer requires two wrapped keys")
		}
		keyWidth := layout.field(encKeySize)
		copy(buf[encOff:], st.EncryptKey0)
		copy(buf[encOff+keyWidth:], st.EncryptKey1)
	}

	buf[swapSizeOff] = byte(st.SwapSize)
	buf[swapSizeOff+1] = byte(st.SwapSize >> 8)
	buf[swapSizeOff+2] = byte(st.SwapSize >> 16)
	buf[swapSizeOff+3] = byte(st.SwapSize >> 24)

	if st.SwapType != SwapTypeNone {
		buf[swapInfoOff] = packSwapInfo(st.SwapType, st.ImageNum)
	}

	if st.CopyDone == FlagSet {
		buf[copyDoneOff] = flagByte(FlagSet)
	}

	if st.ImageOk == FlagSet {
		buf[imageOkOff] = flagByte(FlagSet)
	}

	magicLen := layout.magicLen()
	copy(buf[magicOff+magicLen-magicSize:], magicVal[:])

	if err := m.WriteArea(area, area.Size-size, buf); err != nil {
		return util.FmtNewtError(
			"error writing trailer of area %s: %s", area.Name, err.Error())
	}
	return nil
}

// WriteInit commits the swap-size and swap-info fields that mark a
// swap as begun, touching nothing else — copy-done, image-ok, and the
// magic are left exactly as they already were (erased, for a fresh
// TEST/PERM swap; GOOD, for a REVERT) until finish records the
// trailer's terminal state. This is the ordering spec.md §4.6
// requires: swap-size and swap-info precede the magic by a whole
// boot, not just a few instructions.
func WriteInit(m *flashsim.Map, area flash.FlashArea, layout Layout, swapType SwapType, imageNum uint8, swapSize uint32) error {
	size := layout.Size()
	_, _, swapSizeOff, swapInfoOff, _, _, _ := layout.offsets()

	szWidth := layout.field(swapSizeSize)
	szBuf := make([]byte, szWidth)
	for i := range szBuf {
		szBuf[i] = 0xff
	}
	szBuf[0] = byte(swapSize)
	szBuf[1] = byte(swapSize >> 8)
	szBuf[2] = byte(swapSize >> 16)
	szBuf[3] = byte(swapSize >> 24)
	if err := m.WriteArea(area, area.Size-size+swapSizeOff, szBuf); err != nil {
		return util.FmtNewtError("error writing swap-size of area %s: %s", area.Name, err.Error())
	}

	infoWidth := layout.field(swapInfoSize)
	infoBuf := make([]byte, infoWidth)
	for i := range infoBuf {
		infoBuf[i] = 0xff
	}
	infoBuf[0] = packSwapInfo(swapType, imageNum)
	if err := m.WriteArea(area, area.Size-size+swapInfoOff, infoBuf); err != nil {
		return util.FmtNewtError("error writing swap-info of area %s: %s", area.Name, err.Error())
	}
	return nil
}

// WriteStatus commits a single iteration's status byte, the
// per-sector progress marker a restarted boot reads back via
// ResumePoint. It never touches any other trailer field — in
// particular never the magic — so recording progress mid-swap can
// never be mistaken for a completed one.
func WriteStatus(m *flashsim.Map, area flash.FlashArea, layout Layout, iteration int) error {
	size := layout.Size()
	statusOff, _, _, _, _, _, _ := layout.offsets()
	width := layout.field(1)

	buf := make([]byte, width)
	for i := range buf {
		buf[i] = 0xff
	}
	buf[0] = 0x01

	return m.WriteArea(area, area.Size-size+statusOff+iteration*width, buf)
}

// SetImageOk writes only the image_ok field, leaving the rest of the
// trailer untouched — the one-shot "this image is confirmed" update
// the bootloader issues after a successful REVERT boot or FAIL
// recovery, matching spec.md §4.7.
func SetImageOk(m *flashsim.Map, area flash.FlashArea, layout Layout) error {
	size := layout.Size()
	_, _, _, _, _, imageOkOff, _ := layout.offsets()
	width := layout.field(imageOkSize)
	buf := make([]byte, width)
	for i := range buf {
		buf[i] = 0xff
	}
	buf[0] = flagByte(FlagSet)
	return m.WriteArea(area, area.Size-size+imageOkOff, buf)
}

// SetCopyDone writes only the copy_done field.
func SetCopyDone(m *flashsim.Map, area flash.FlashArea, layout Layout) error {
	size := layout.Size()
	_, _, _, _, copyDoneOff, _, _ := layout.offsets()
	width := layout.field(copyDoneSize)
	buf := make([]byte, width)
	for i := range buf {
		buf[i] = 0xff
	}
	buf[0] = flagByte(FlagSet)
	return m.WriteArea(area, area.Size-size+copyDoneOff, buf)
}

// Classify resolves the SwapType the bootloader must act on for one
// image pair, per spec.md §4.5: a GOOD magic with a non-NONE swap
// type drives TEST/PERM; a GOOD magic with copy_done SET but image_ok
// not yet SET after a TEST boot resolves to REVERT; anything where the
// trailer itself can't be trusted resolves to FAIL (recoverable, via
// the scratch copy) or, if even the scratch copy is suspect, PANIC.
func Classify(primary, secondary State, scratchMagic Magic) SwapType {
	if secondary.Magic == MagicGood {
		switch secondary.SwapType {
		case SwapTypeTest, SwapTypePerm:
			if primary.Magic == MagicGood && primary.CopyDone == FlagSet {
				// A prior swap already copied the secondary into the
				// primary; nothing left to do until image_ok settles.
				break
			}
			return secondary.SwapType
		}
	}

	if primary.Magic == MagicGood {
		if primary.CopyDone == FlagSet && primary.ImageOk == FlagUnset {
			return SwapTypeRevert
		}
		return SwapTypeNone
	}

	if primary.Magic == MagicUnset && secondary.Magic == MagicUnset {
		return SwapTypeNone
	}

	if scratchMagic == MagicBad {
		return SwapTypePanic
	}
	return SwapTypeFail
}
