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

// Package swap implements the SwapEngine spec.md §4.6 describes: the
// classic move-then-swap algorithm (primary, secondary, and a
// move-buffer scratch sector, moved high-to-low then swapped
// sector-by-sector) and the offset-swap algorithm (no extra scratch
// sector; the staged image starts at the secondary area's second
// sector so the first sector has room to receive the primary's
// content during the swap). Both record a status byte in the
// primary's trailer after each sector lands and read it back before
// the first iteration, so a reset mid-swap resumes at the first
// sector that was never recorded rather than redoing the whole swap.
package swap

import (
	"mynewt.apache.org/mcuboot/artifact/flash"
	"mynewt.apache.org/mcuboot/boot/encrypt"
	"mynewt.apache.org/mcuboot/boot/trailer"
	"mynewt.apache.org/mcuboot/sim/flashsim"
	"mynewt.apache.org/mcuboot/util"
)

// Engine drives either swap algorithm across a single image's
// primary/secondary/scratch areas.
type Engine struct {
	Map       *flashsim.Map
	Primary   flash.FlashArea
	Secondary flash.FlashArea
	// Scratch is only used by move-then-swap; it is the empty
	// FlashArea (Size == 0) for offset-swap.
	Scratch    flash.FlashArea
	SectorSize int
	Encrypted  bool

	// SwapType and ImageNum are recorded into the primary trailer's
	// swap-info field the first time this swap starts, so a later
	// boot that finds the swap interrupted knows which algorithm
	// state it is resuming without having to trust the secondary
	// slot's own (possibly now partially overwritten) trailer.
	SwapType trailer.SwapType
	ImageNum uint8

	// ContentKey is the already-unwrapped content-encryption key for
	// this image, set by the caller when Encrypted is true. The
	// secondary slot always holds ciphertext at rest; the primary
	// slot always holds plaintext so it can run in place. Every
	// sector this engine moves between the two is transformed with
	// EncryptionCore's CTR keystream as it crosses that boundary.
	ContentKey []byte

	// HeaderSize and BodySize bound the plaintext image body within
	// each slot; only bytes in [HeaderSize, HeaderSize+BodySize) are
	// ever encrypted or decrypted, matching image creation's own
	// choice to leave the header and TLVs unencrypted so the header
	// can be parsed before the content key is available. Both images
	// in a swap are assumed to share this layout.
	HeaderSize int
	BodySize   int
}

// cryptSector runs the portion of a sector that falls inside the
// image body through the EncryptionCore keystream at that portion's
// byte offset into the body, a no-op when no content key is
// configured or the sector doesn't overlap the body at all. CTR mode
// is its own inverse, so the same call both decrypts (secondary ->
// primary) and encrypts (primary -> secondary).
func (e *Engine) cryptSector(sector int, data []byte) ([]byte, error) {
	if len(e.ContentKey) == 0 {
		return data, nil
	}

	sectorStart := sector * e.SectorSize
	sectorEnd := sectorStart + len(data)
	bodyStart := e.HeaderSize
	bodyEnd := e.HeaderSize + e.BodySize

	lo := sectorStart
	if bodyStart > lo {
		lo = bodyStart
	}
	hi := sectorEnd
	if bodyEnd < hi {
		hi = bodyEnd
	}
	if lo >= hi {
		return data, nil
	}

	chunk, err := encrypt.Crypt(e.ContentKey, lo-bodyStart, data[lo-sectorStart:hi-sectorStart])
	if err != nil {
		return nil, err
	}

	out := append([]byte(nil), data...)
	copy(out[lo-sectorStart:hi-sectorStart], chunk)
	return out, nil
}

func (e *Engine) sectorCount(area flash.FlashArea) int {
	if e.SectorSize <= 0 {
		return 0
	}
	return area.Size / e.SectorSize
}

func (e *Engine) readSector(area flash.FlashArea, sector int) ([]byte, error) {
	return e.Map.ReadArea(area, sector*e.SectorSize, e.SectorSize)
}

func (e *Engine) writeSector(area flash.FlashArea, sector int, data []byte) error {
	return e.Map.WriteArea(area, sector*e.SectorSize, data)
}

func (e *Engine) eraseSector(area flash.FlashArea, sector int) error {
	return e.Map.EraseArea(area, sector*e.SectorSize, e.SectorSize)
}

// layout builds the primary trailer's Layout, sized against the
// area's raw total sector count rather than the body-only count the
// algorithms iterate over — the status region only needs to be large
// enough, and computing it from the body count would make the
// trailer's own size depend on itself.
func (e *Engine) layout() (trailer.Layout, error) {
	align, err := e.Map.Align(e.Primary)
	if err != nil {
		return trailer.Layout{}, err
	}
	return trailer.Layout{
		Align:       align,
		SectorCount: e.sectorCount(e.Primary),
		Encrypted:   e.Encrypted,
	}, nil
}

// bodySectorCount is the number of primary sectors that hold image
// content rather than the trailer itself — the loop bound both
// algorithms must use instead of the area's raw sector count, since
// the trailer's own sector(s) are never part of the data being moved.
// The whole last sector(s) large enough to hold the trailer are
// reserved for it, the same way a real slot's layout reserves a fixed
// number of trailing sectors rather than packing the trailer at an
// arbitrary byte offset.
func (e *Engine) bodySectorCount(layout trailer.Layout) int {
	if e.SectorSize <= 0 {
		return 0
	}
	trailerSectors := (layout.Size() + e.SectorSize - 1) / e.SectorSize
	return e.sectorCount(e.Primary) - trailerSectors
}

// MoveThenSwap implements the N+1-sector primary algorithm: working
// from the highest body sector down to the lowest, each iteration
// moves one primary sector into the scratch-sized move buffer, writes
// the corresponding secondary sector into the now-empty primary slot,
// then writes the scratch buffer's content into the now-empty
// secondary slot — so one borrowed scratch sector is all that's
// needed to exchange an entire primary/secondary pair.
func (e *Engine) MoveThenSwap() error {
	if e.Scratch.Size == 0 {
		return util.NewNewtError("move-then-swap requires a scratch area")
	}

	n := e.sectorCount(e.Primary)
	if n == 0 || n != e.sectorCount(e.Secondary) {
		return util.NewNewtError("primary and secondary sector counts must match")
	}

	return e.run(e.moveThenSwapStep)
}

// moveThenSwapStep moves one sector of a move-then-swap pass: working
// from the highest body sector down to the lowest, iteration 0 lands
// on the last body sector. Split out from MoveThenSwap so tests can
// drive individual iterations directly to simulate a swap aborted
// partway through.
func (e *Engine) moveThenSwapStep(body int, iteration int) error {
	sector := body - 1 - iteration

	data, err := e.readSector(e.Primary, sector)
	if err != nil {
		return err
	}
	if err := e.eraseSector(e.Scratch, 0); err != nil {
		return err
	}
	if err := e.writeSector(e.Scratch, 0, data); err != nil {
		return err
	}

	secData, err := e.readSector(e.Secondary, sector)
	if err != nil {
		return err
	}
	secData, err = e.cryptSector(sector, secData)
	if err != nil {
		return err
	}
	if err := e.eraseSector(e.Primary, sector); err != nil {
		return err
	}
	if err := e.writeSector(e.Primary, sector, secData); err != nil {
		return err
	}

	if err := e.eraseSector(e.Secondary, sector); err != nil {
		return err
	}
	scratchData, err := e.readSector(e.Scratch, 0)
	if err != nil {
		return err
	}
	scratchData, err = e.cryptSector(sector, scratchData)
	if err != nil {
		return err
	}
	return e.writeSector(e.Secondary, sector, scratchData)
}

// OffsetSwap implements the no-extra-sector algorithm: the candidate
// image is staged starting at the secondary area's *second* sector,
// leaving its first sector free to receive the primary's first sector
// during the swap, which in turn frees the next primary sector, and
// so on — the same "one free sector chases the copy" trick
// move-then-swap gets from a dedicated scratch area, except the free
// sector lives inside the secondary area itself.
func (e *Engine) OffsetSwap() error {
	n := e.sectorCount(e.Primary)
	if n < 2 || n != e.sectorCount(e.Secondary) {
		return util.NewNewtError(
			"offset-swap requires matching primary/secondary sector counts >= 2")
	}

	return e.run(e.offsetSwapStep)
}

// offsetSwapStep moves one sector of an offset-swap pass: iteration i
// lands on physical sector i directly. Split out from OffsetSwap for
// the same reason moveThenSwapStep is: tests drive it directly to
// simulate a swap aborted partway through.
func (e *Engine) offsetSwapStep(body int, iteration int) error {
	sector := iteration

	primaryData, err := e.readSector(e.Primary, sector)
	if err != nil {
		return err
	}

	var secData []byte
	if sector+1 < body {
		secData, err = e.readSector(e.Secondary, sector+1)
		if err != nil {
			return err
		}
	} else {
		secData = make([]byte, e.SectorSize)
		for i := range secData {
			secData[i] = 0xff
		}
	}

	secData, err = e.cryptSector(sector, secData)
	if err != nil {
		return err
	}
	if err := e.eraseSector(e.Primary, sector); err != nil {
		return err
	}
	if err := e.writeSector(e.Primary, sector, secData); err != nil {
		return err
	}

	primaryData, err = e.cryptSector(sector, primaryData)
	if err != nil {
		return err
	}
	if err := e.eraseSector(e.Secondary, sector); err != nil {
		return err
	}
	return e.writeSector(e.Secondary, sector, primaryData)
}

// run drives one algorithm's iterations over the primary's body
// sectors (excluding the trailer's own sector(s)), resuming from
// whatever the primary trailer's status region already shows was
// completed by a prior, interrupted call, and committing a status
// byte after each iteration lands. step is handed the body sector
// count and the zero-based iteration index; it alone knows how to
// turn that into a physical sector number for its algorithm's
// direction of travel.
func (e *Engine) run(step func(body, iteration int) error) error {
	layout, err := e.layout()
	if err != nil {
		return err
	}
	body := e.bodySectorCount(layout)

	st, err := trailer.Read(e.Map, e.Primary, layout)
	if err != nil {
		return err
	}

	completed := trailer.ResumePoint(st.Status)
	if completed == 0 {
		if err := trailer.WriteInit(e.Map, e.Primary, layout, e.SwapType, e.ImageNum, uint32(body*e.SectorSize)); err != nil {
			return err
		}
	}

	for i := completed; i < body; i++ {
		if err := step(body, i); err != nil {
			return err
		}
		if err := trailer.WriteStatus(e.Map, e.Primary, layout, i); err != nil {
			return err
		}
	}

	return e.finish(layout)
}

// finish marks the swap complete: it erases the primary trailer's own
// sector(s) — the only way the AND-only flash model can turn a
// partially-written status region back to erased — and writes the
// terminal trailer state in a single call, with the magic going down
// last. What that terminal state looks like depends on which swap
// just finished: TEST leaves image_ok unset so an unconfirmed image
// still reverts on the next boot if it's never confirmed; PERM sets
// image_ok immediately, since a permanent swap must never revert;
// REVERT clears copy_done, restoring the primary to a plain,
// non-pending trailer.
func (e *Engine) finish(layout trailer.Layout) error {
	prior, err := trailer.Read(e.Map, e.Primary, layout)
	if err != nil {
		return err
	}

	if e.SectorSize > 0 {
		trailerSectors := (layout.Size() + e.SectorSize - 1) / e.SectorSize
		eraseStart := (e.sectorCount(e.Primary) - trailerSectors) * e.SectorSize
		if err := e.Map.EraseArea(e.Primary, eraseStart, e.Primary.Size-eraseStart); err != nil {
			return err
		}
	}

	final := trailer.State{
		SwapType: trailer.SwapTypeNone,
		CopyDone: trailer.FlagSet,
		ImageOk:  trailer.FlagUnset,
	}
	switch e.SwapType {
	case trailer.SwapTypePerm:
		final.ImageOk = trailer.FlagSet
	case trailer.SwapTypeRevert:
		final.CopyDone = trailer.FlagUnset
	}
	if layout.Encrypted {
		final.EncryptKey0 = prior.EncryptKey0
		final.EncryptKey1 = prior.EncryptKey1
	}

	return trailer.Write(e.Map, e.Primary, final, layout)
}
