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

// Package bootloader implements the BootLoader orchestrator spec.md
// §4.7 describes: classify each image pair's trailer state into a
// SwapType, check inter-image dependencies, drive the configured
// SwapEngine algorithm, re-validate the primary slot, update the
// rollback counter and lock it, and zero any RAM-held encryption keys
// before returning. Besides the swap mode it offers two launch modes
// that need no swap at all, Direct-XIP and RAM-load (see Mode); there
// is no firmware-loader mode.
package bootloader

import (
	"crypto/rsa"

	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/mcuboot/artifact/flash"
	"mynewt.apache.org/mcuboot/artifact/image"
	"mynewt.apache.org/mcuboot/boot/encrypt"
	"mynewt.apache.org/mcuboot/boot/fih"
	"mynewt.apache.org/mcuboot/boot/nvcounter"
	"mynewt.apache.org/mcuboot/boot/swap"
	"mynewt.apache.org/mcuboot/boot/trailer"
	"mynewt.apache.org/mcuboot/boot/validate"
	"mynewt.apache.org/mcuboot/sim/flashsim"
	"mynewt.apache.org/mcuboot/util"
)

// Mode selects how a bootable image is started once it has been
// selected, per spec.md §1's three launch modes.
type Mode int

const (
	// ModeSwap runs the classic move-then-swap / offset-swap
	// algorithms so the primary slot always holds the image that
	// will run, in place, at its fixed load address.
	ModeSwap Mode = iota
	// ModeDirectXIP runs whichever of the primary/secondary slots
	// carries the higher header version, in place, with no copying at
	// all. Trailer state is not consulted, so an unconfirmed trial
	// image is not skipped.
	ModeDirectXIP
	// ModeRamLoad requires the primary image to be flagged
	// IMAGE_F_RAM_LOAD and reports its load address, leaving flash
	// untouched. The image is not copied into RAM by this package.
	ModeRamLoad
)

// Algorithm selects which SwapEngine algorithm ModeSwap drives.
type Algorithm int

const (
	AlgorithmMoveThenSwap Algorithm = iota
	AlgorithmOffsetSwap
)

// Config is the set of build-time choices spec.md leaves to the
// integrator: which launch mode and swap algorithm to use, whether
// encryption and downgrade-prevention are enabled. The number of
// images is not part of Config; it is the number of Slots passed to
// BootGoAll.
type Config struct {
	Mode            Mode
	Algorithm       Algorithm
	Encrypted       bool
	RejectDowngrade bool
	SectorSize      int
	ValidatePrimary bool
	Keys            []validate.PublicKey

	// UnwrapRsaKey and UnwrapAesKek recover the per-image
	// content-encryption key from the secondary slot's ENC_RSA/ENC_KW
	// TLV when Encrypted is set. At most one is configured, matching
	// whichever scheme the image was built with.
	UnwrapRsaKey *rsa.PrivateKey
	UnwrapAesKek []byte
}

// Slots is one image's flash areas.
type Slots struct {
	Primary   flash.FlashArea
	Secondary flash.FlashArea
	Scratch   flash.FlashArea
}

// Response is what BootGo reports back to the launch stub: which
// slot to jump into and at what address, per spec.md §6.
type Response struct {
	ImageIndex int
	SlotArea   flash.FlashArea
	LoadAddr   uint32
	SwapType   trailer.SwapType
}

// BootLoader holds the state one boot pass accumulates: the engine's
// orchestration logic over a set of per-image slots.
type BootLoader struct {
	Map      *flashsim.Map
	Counters *nvcounter.Store
	Config   Config

	// cfi is the fault-injection call-in/call-out balance counter
	// spec.md §9 requires around every "is this image valid?" choke
	// point. validateSlot enters/exits it on every call; BootGoAll
	// checks it is back to zero, and that the number of primary slots
	// it validated matches the number of images in the boot graph,
	// before trusting any of its own validateSlot return values.
	cfi            fih.CfiCounter
	validatedCount int
}

func New(m *flashsim.Map, counters *nvcounter.Store, cfg Config) *BootLoader {
	return &BootLoader{Map: m, Counters: counters, Config: cfg}
}

// BootGo runs the 7-step orchestration spec.md §4.7 describes for a
// single image index's slot pair, returning the slot the launch stub
// should jump to.
func (b *BootLoader) BootGo(imageIndex int, slots Slots) (Response, error) {
	swapType, err := b.classifyOne(imageIndex, slots)
	if err != nil {
		return Response{}, err
	}

	switch b.Config.Mode {
	case ModeDirectXIP:
		return b.bootDirectXip(imageIndex, slots)
	case ModeRamLoad:
		return b.bootRamLoad(imageIndex, slots)
	}

	return b.bootSwap(imageIndex, slots, swapType)
}

// trailerLayout builds the Layout area's trailer is packed against,
// reading the write alignment back from the simulated device so every
// caller pads its fields the same way.
func (b *BootLoader) trailerLayout(area flash.FlashArea) (trailer.Layout, error) {
	return trailer.LayoutFor(b.Map, area, b.Config.SectorSize, b.Config.Encrypted)
}

// classifyOne runs step 1-2 of spec.md §4.7 for one image: open both
// trailers and classify them into a SwapType. Per spec.md §4.7 step 2,
// if the primary trailer's own swap-info shows a swap that a previous
// boot began but never finished, that swap is driven to completion
// right here — using the primary's own recorded swap type and image
// number, not whatever the secondary slot's trailer currently says,
// since the secondary may already be partially overwritten — and the
// image resolves to SwapTypeNone for the rest of this boot, exactly
// as if the swap had never been interrupted at all.
func (b *BootLoader) classifyOne(imageIndex int, slots Slots) (trailer.SwapType, error) {
	primaryLayout, err := b.trailerLayout(slots.Primary)
	if err != nil {
		return 0, err
	}
	primarySt, err := trailer.Read(b.Map, slots.Primary, primaryLayout)
	if err != nil {
		return 0, err
	}

	if primarySt.SwapType != trailer.SwapTypeNone {
		log.Warnf("image %d: resuming a swap interrupted before it finished", imageIndex)
		if err := b.runSwap(slots, primarySt.SwapType, primarySt.ImageNum); err != nil {
			return 0, err
		}
		if primarySt.SwapType == trailer.SwapTypePerm {
			if err := b.bumpCounter(imageIndex, slots.Primary); err != nil {
				return 0, err
			}
		}
		return trailer.SwapTypeNone, nil
	}

	secondaryLayout, err := b.trailerLayout(slots.Secondary)
	if err != nil {
		return 0, err
	}
	secondarySt, err := trailer.Read(b.Map, slots.Secondary, secondaryLayout)
	if err != nil {
		return 0, err
	}

	scratchMagic := trailer.MagicUnset
	if slots.Scratch.Size > 0 {
		scratchLayout, err := b.trailerLayout(slots.Scratch)
		if err == nil {
			if scratchSt, err := trailer.Read(b.Map, slots.Scratch, scratchLayout); err == nil {
				scratchMagic = scratchSt.Magic
			}
		}
	}

	st := trailer.Classify(primarySt, secondarySt, scratchMagic)
	log.Infof("image %d: resolved swap type %s", imageIndex, st)
	if st == trailer.SwapTypePanic {
		log.Errorf("image %d: trailer state unrecoverable, panicking", imageIndex)
		fih.Panic()
		return 0, util.NewNewtError("unreachable")
	}
	return st, nil
}

// classifyAll runs classifyOne independently for every image in a
// multi-image boot graph, without yet resolving inter-image
// dependencies or driving any fresh swap.
func (b *BootLoader) classifyAll(allSlots []Slots) ([]trailer.SwapType, error) {
	swapTypes := make([]trailer.SwapType, len(allSlots))
	for i, slots := range allSlots {
		st, err := b.classifyOne(i, slots)
		if err != nil {
			return nil, err
		}
		swapTypes[i] = st
	}
	return swapTypes, nil
}

// activeVersion reports the version of the image that will be running
// in imageIndex's primary slot once this boot's swap (if any) has run,
// without performing any flash writes.
func (b *BootLoader) activeVersion(slots Slots, st trailer.SwapType) (image.ImageVersion, error) {
	switch st {
	case trailer.SwapTypeTest, trailer.SwapTypePerm, trailer.SwapTypeRevert:
		hdr, err := b.readHeader(slots.Secondary)
		return hdr.Vers, err
	default:
		hdr, err := b.readHeader(slots.Primary)
		return hdr.Vers, err
	}
}

// resolveDependencies implements spec.md §4.7 step 3: for every image
// that is about to upgrade (TEST or PERM), check its protected
// DEPENDENCY TLVs against the version each dependency image will
// actually be running once this boot's resolved swaps take effect. A
// violation downgrades that single image's swap to NONE; because that
// can itself break another image's dependency on it, the check repeats
// to a fixpoint. Per spec.md §9's open question, an image already
// classified FAIL is left untouched here, matching the source's own
// undocumented choice to not touch BOOT_SWAP_TYPE_FAIL in this pass.
func (b *BootLoader) resolveDependencies(allSlots []Slots, swapTypes []trailer.SwapType) error {
	for {
		versions := make(map[int]image.ImageVersion, len(allSlots))
		for i, slots := range allSlots {
			v, err := b.activeVersion(slots, swapTypes[i])
			if err != nil {
				return err
			}
			versions[i] = v
		}

		changed := false
		for i, slots := range allSlots {
			if swapTypes[i] != trailer.SwapTypeTest && swapTypes[i] != trailer.SwapTypePerm {
				continue
			}

			img, err := b.readImage(slots.Secondary)
			if err != nil {
				return err
			}

			for _, tlv := range img.FindProtectedTlvs(image.IMAGE_TLV_DEPENDENCY) {
				if len(tlv.Data) < 12 {
					continue
				}
				depIndex := int(uint32(tlv.Data[0]) | uint32(tlv.Data[1])<<8 |
					uint32(tlv.Data[2])<<16 | uint32(tlv.Data[3])<<24)
				want := image.ImageVersion{
					Major:    tlv.Data[4],
					Minor:    tlv.Data[5],
					Rev:      uint16(tlv.Data[6]) | uint16(tlv.Data[7])<<8,
					BuildNum: uint32(tlv.Data[8]) | uint32(tlv.Data[9])<<8 | uint32(tlv.Data[10])<<16 | uint32(tlv.Data[11])<<24,
				}

				have, present := versions[depIndex]
				if !present || have.Less(want) {
					log.Warnf("image %d: unmet dependency on image %d, downgrading swap to NONE", i, depIndex)
					swapTypes[i] = trailer.SwapTypeNone
					changed = true
					break
				}
			}
		}

		if !changed {
			return nil
		}
	}
}

// BootGoAll runs the full spec.md §4.7 orchestration across every
// image in a multi-image boot graph: classify each image's trailer
// state independently, resolve inter-image dependencies across all of
// them together (a violation in one image can cascade to another),
// then drive each image's resolved swap type. The caller's index into
// allSlots is preserved in the returned slice.
func (b *BootLoader) BootGoAll(allSlots []Slots) ([]Response, error) {
	b.validatedCount = 0

	swapTypes, err := b.classifyAll(allSlots)
	if err != nil {
		return nil, err
	}
	if err := b.resolveDependencies(allSlots, swapTypes); err != nil {
		return nil, err
	}

	responses := make([]Response, len(allSlots))
	for i, slots := range allSlots {
		resp, err := b.bootSwap(i, slots, swapTypes[i])
		if err != nil {
			return nil, err
		}
		responses[i] = resp
	}

	// Final fault-injection choke point, per spec.md §4.3: the call
	// counter must be back to balanced, and if every image was
	// configured to validate its primary slot, the number actually
	// validated must match the number of images in the graph. Either
	// mismatch means a fault skipped a check without skipping its
	// surrounding control flow, which normal error propagation alone
	// would not have caught.
	if !b.cfi.Balanced() {
		log.Error("validation call counter unbalanced, panicking")
		fih.Panic()
		return nil, util.NewNewtError("unreachable")
	}
	if b.Config.ValidatePrimary && b.validatedCount != len(allSlots) {
		log.Errorf("validated %d of %d images, panicking", b.validatedCount, len(allSlots))
		fih.Panic()
		return nil, util.NewNewtError("unreachable")
	}

	return responses, nil
}

func (b *BootLoader) bootSwap(imageIndex int, slots Slots, swapType trailer.SwapType) (Response, error) {
	// Step 4 (pre-copy half): per spec.md §4.5, a swap that is about
	// to bring the secondary into the primary validates the secondary
	// first. Failure downgrades the choice to FAIL and scrambles the
	// staging slot so it isn't retried on the next boot.
	if swapType == trailer.SwapTypeTest || swapType == trailer.SwapTypePerm {
		if err := b.validateStaging(slots, imageIndex); err != nil {
			log.Warnf("image %d: staging slot failed validation (%s), downgrading to FAIL", imageIndex, err.Error())
			if err := b.Map.Scramble(slots.Secondary); err != nil {
				return Response{}, err
			}
			swapType = trailer.SwapTypeFail
		}
	}

	switch swapType {
	case trailer.SwapTypeNone:
		// Nothing to do; fall through to validation of the primary.

	case trailer.SwapTypeTest, trailer.SwapTypePerm:
		if err := b.runSwap(slots, swapType, uint8(imageIndex)); err != nil {
			return Response{}, err
		}
		if swapType == trailer.SwapTypePerm {
			// Step 4: PERM updates the rollback counter immediately
			// after the copy completes, ahead of validation, since a
			// permanent swap commits even if the image later fails to
			// boot again.
			if err := b.bumpCounter(imageIndex, slots.Primary); err != nil {
				return Response{}, err
			}
		}

	case trailer.SwapTypeRevert:
		// The test image never confirmed itself; swap the original
		// image back into the primary slot.
		if err := b.runSwap(slots, swapType, uint8(imageIndex)); err != nil {
			return Response{}, err
		}

	case trailer.SwapTypeFail:
		// Step 4: FAIL sets image_ok on the primary so a damaged
		// trailer doesn't cause an endless revert loop, without
		// attempting a swap that the damaged state can't support.
		layout, err := b.trailerLayout(slots.Primary)
		if err != nil {
			return Response{}, err
		}
		if err := trailer.SetImageOk(b.Map, slots.Primary, layout); err != nil {
			return Response{}, err
		}
	}

	// Step 5: re-validate the primary slot before handing off.
	if b.Config.ValidatePrimary {
		if err := b.validateSlot(slots.Primary, imageIndex); err != nil {
			return Response{}, err
		}
	}

	hdr, err := b.readHeader(slots.Primary)
	if err != nil {
		return Response{}, err
	}

	return Response{
		ImageIndex: imageIndex,
		SlotArea:   slots.Primary,
		LoadAddr:   hdr.LoadAddr,
		SwapType:   swapType,
	}, nil
}

func (b *BootLoader) runSwap(slots Slots, swapType trailer.SwapType, imageNum uint8) error {
	eng := &swap.Engine{
		Map:        b.Map,
		Primary:    slots.Primary,
		Secondary:  slots.Secondary,
		Scratch:    slots.Scratch,
		SectorSize: b.Config.SectorSize,
		Encrypted:  b.Config.Encrypted,
		SwapType:   swapType,
		ImageNum:   imageNum,
	}

	if b.Config.Encrypted {
		contentKey, hdr, err := b.unwrapContentKey(slots.Secondary)
		if err != nil {
			return err
		}
		eng.ContentKey = contentKey
		eng.HeaderSize = int(hdr.HdrSize)
		eng.BodySize = int(hdr.ImgSize)
		defer ZeroKeys(contentKey)
	}

	if b.Config.Algorithm == AlgorithmOffsetSwap {
		return eng.OffsetSwap()
	}
	return eng.MoveThenSwap()
}

// unwrapContentKey reads the secondary slot's ENC_RSA/ENC_KW TLV and
// recovers the per-image content-encryption key it wraps, using
// whichever of Config's two unwrap keys is configured. It also
// returns the secondary's header, so the caller can bound the
// encrypted region of the swap to the image body.
func (b *BootLoader) unwrapContentKey(secondary flash.FlashArea) ([]byte, image.ImageHeader, error) {
	img, err := b.readImage(secondary)
	if err != nil {
		return nil, image.ImageHeader{}, err
	}

	if b.Config.UnwrapRsaKey != nil {
		tlv, err := img.FindUniqueTlv(image.IMAGE_TLV_ENC_RSA)
		if err != nil {
			return nil, image.ImageHeader{}, err
		}
		if tlv == nil {
			return nil, image.ImageHeader{}, util.NewNewtError("encrypted image is missing its ENC_RSA TLV")
		}
		key, err := encrypt.UnwrapRsa(b.Config.UnwrapRsaKey, tlv.Data)
		return key, img.Header, err
	}

	if len(b.Config.UnwrapAesKek) > 0 {
		tlv, err := img.FindUniqueTlv(image.IMAGE_TLV_ENC_KW)
		if err != nil {
			return nil, image.ImageHeader{}, err
		}
		if tlv == nil {
			return nil, image.ImageHeader{}, util.NewNewtError("encrypted image is missing its ENC_KW TLV")
		}
		key, err := encrypt.UnwrapAesKw(b.Config.UnwrapAesKek, tlv.Data)
		return key, img.Header, err
	}

	return nil, image.ImageHeader{}, util.NewNewtError("encrypted boot requires UnwrapRsaKey or UnwrapAesKek")
}

func (b *BootLoader) bumpCounter(imageIndex int, area flash.FlashArea) error {
	img, err := b.readImage(area)
	if err != nil {
		return err
	}
	tlv, err := img.FindUniqueTlv(image.IMAGE_TLV_SEC_CNT)
	if err != nil || tlv == nil || len(tlv.Data) != 4 {
		return nil
	}
	counter := uint32(tlv.Data[0]) | uint32(tlv.Data[1])<<8 |
		uint32(tlv.Data[2])<<16 | uint32(tlv.Data[3])<<24

	if err := b.Counters.Set(imageIndex, counter); err != nil {
		return err
	}
	return b.Counters.Lock(imageIndex)
}

// validateSlot is the fault-injection choke point spec.md §4.3's last
// paragraph describes: entry/exit are counted on b.cfi regardless of
// which path out of this function is taken, so a fault that skips the
// error return without skipping the call itself still leaves a
// detectable imbalance for BootGoAll to catch.
func (b *BootLoader) validateSlot(area flash.FlashArea, imageIndex int) error {
	b.cfi.Enter()
	defer b.cfi.Exit()

	img, err := b.readImage(area)
	if err != nil {
		return err
	}

	minCounter, err := b.Counters.Get(imageIndex)
	if err != nil {
		return err
	}

	result := validate.Validate(img, validate.Policy{
		Keys:               b.Config.Keys,
		MinSecurityCounter: minCounter,
		RejectDowngrade:    b.Config.RejectDowngrade,
	})
	if !result.Auth.IsTrue() {
		log.Errorf("image %d: validation failed: %s", imageIndex, result.Reason)
		return util.FmtNewtError("image validation failed: %s", result.Reason)
	}

	b.validatedCount++
	return nil
}

// validateStaging runs the Validator against the secondary (staging)
// slot before a TEST/PERM swap is allowed to copy it into the
// primary, per spec.md §4.5. Unlike validateSlot, it passes the
// primary's current version into the policy so RejectDowngrade can
// actually reject a staged image that is older than the one already
// running — spec.md §8 invariant 5 and scenario 4's BadVersion case.
// If the primary has no readable header yet (a first-ever upgrade),
// the downgrade check is skipped rather than failed.
func (b *BootLoader) validateStaging(slots Slots, imageIndex int) error {
	b.cfi.Enter()
	defer b.cfi.Exit()

	img, err := b.readImage(slots.Secondary)
	if err != nil {
		return err
	}

	minCounter, err := b.Counters.Get(imageIndex)
	if err != nil {
		return err
	}

	policy := validate.Policy{
		Keys:               b.Config.Keys,
		MinSecurityCounter: minCounter,
		RejectDowngrade:    b.Config.RejectDowngrade,
	}
	if primaryHdr, err := b.readHeader(slots.Primary); err == nil {
		policy.CurrentVersion = primaryHdr.Vers
		policy.HaveCurrentVersion = true
	}

	result := validate.Validate(img, policy)
	if !result.Auth.IsTrue() {
		return util.FmtNewtError("staging image validation failed: %s", result.Reason)
	}
	return nil
}

func (b *BootLoader) readImage(area flash.FlashArea) (image.Image, error) {
	raw, err := b.Map.ReadArea(area, 0, area.Size)
	if err != nil {
		return image.Image{}, err
	}
	return image.ParseImage(raw)
}

func (b *BootLoader) readHeader(area flash.FlashArea) (image.ImageHeader, error) {
	raw, err := b.Map.ReadArea(area, 0, area.Size)
	if err != nil {
		return image.ImageHeader{}, err
	}
	return image.ParseHeader(raw)
}

// bootDirectXip picks whichever of primary/secondary has the higher
// header version (or the secondary when only its header parses),
// running it in place at its own fixed load address with no copy at
// all. Neither slot's trailer is read, so a failed trial image is
// chosen like any other.
func (b *BootLoader) bootDirectXip(imageIndex int, slots Slots) (Response, error) {
	primaryHdr, errP := b.readHeader(slots.Primary)
	secondaryHdr, errS := b.readHeader(slots.Secondary)

	chosen := slots.Primary
	hdr := primaryHdr
	switch {
	case errP != nil && errS == nil:
		chosen, hdr = slots.Secondary, secondaryHdr
	case errP == nil && errS == nil && primaryHdr.Vers.Less(secondaryHdr.Vers):
		chosen, hdr = slots.Secondary, secondaryHdr
	}

	if b.Config.ValidatePrimary {
		if err := b.validateSlot(chosen, imageIndex); err != nil {
			return Response{}, err
		}
	}

	return Response{
		ImageIndex: imageIndex,
		SlotArea:   chosen,
		LoadAddr:   hdr.LoadAddr,
		SwapType:   trailer.SwapTypeNone,
	}, nil
}

// bootRamLoad checks that the primary image is flagged RAM_LOAD,
// validates it when ValidatePrimary is set, and returns the primary
// flash area with the header's load address. It does not copy the
// image into RAM, and the secondary slot is not considered.
func (b *BootLoader) bootRamLoad(imageIndex int, slots Slots) (Response, error) {
	hdr, err := b.readHeader(slots.Primary)
	if err != nil {
		return Response{}, err
	}
	if !hdr.RamLoad() {
		return Response{}, util.NewNewtError("primary image is not flagged RAM_LOAD")
	}

	if b.Config.ValidatePrimary {
		if err := b.validateSlot(slots.Primary, imageIndex); err != nil {
			return Response{}, err
		}
	}

	return Response{
		ImageIndex: imageIndex,
		SlotArea:   slots.Primary,
		LoadAddr:   hdr.LoadAddr,
		SwapType:   trailer.SwapTypeNone,
	}, nil
}

// ZeroKeys overwrites any RAM-held copies of a content-encryption key,
// the final spec.md §4.7 step before control transfers to the
// selected image.
func ZeroKeys(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
