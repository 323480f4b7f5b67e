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

package swap

import (
	"bytes"
	"errors"
	"testing"

	"mynewt.apache.org/mcuboot/artifact/flash"
	"mynewt.apache.org/mcuboot/boot/trailer"
	"mynewt.apache.org/mcuboot/sim/flashsim"
)

const resumeSectorSize = 4096

func newResumeMap(n int) (primary, secondary, scratch flash.FlashArea, m *flashsim.Map) {
	primarySize := n * resumeSectorSize

	primaryDev := flashsim.NewDevice(0, primarySize, 1, resumeSectorSize, flashsim.DefaultErasedByte)
	secondaryDev := flashsim.NewDevice(1, primarySize, 1, resumeSectorSize, flashsim.DefaultErasedByte)
	scratchDev := flashsim.NewDevice(2, resumeSectorSize, 1, resumeSectorSize, flashsim.DefaultErasedByte)

	primary = flash.FlashArea{Name: "primary", Id: 1, Device: 0, Offset: 0, Size: primarySize}
	secondary = flash.FlashArea{Name: "secondary", Id: 2, Device: 1, Offset: 0, Size: primarySize}
	scratch = flash.FlashArea{Name: "scratch", Id: 3, Device: 2, Offset: 0, Size: resumeSectorSize}

	m = flashsim.NewMap(
		[]flash.FlashArea{primary, secondary, scratch},
		map[int]*flashsim.Device{0: primaryDev, 1: secondaryDev, 2: scratchDev},
	)
	return
}

func fillResumeSector(b byte) []byte {
	buf := make([]byte, resumeSectorSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func seedResumeContent(t *testing.T, n int, primary, secondary flash.FlashArea, m *flashsim.Map) {
	t.Helper()
	// The last sector holds the primary's trailer; leave it erased.
	for s := 0; s < n-1; s++ {
		if err := m.EraseArea(primary, s*resumeSectorSize, resumeSectorSize); err != nil {
			t.Fatal(err)
		}
		if err := m.WriteArea(primary, s*resumeSectorSize, fillResumeSector(byte(0xa0+s))); err != nil {
			t.Fatal(err)
		}
		if err := m.EraseArea(secondary, s*resumeSectorSize, resumeSectorSize); err != nil {
			t.Fatal(err)
		}
		if err := m.WriteArea(secondary, s*resumeSectorSize, fillResumeSector(byte(0xb0+s))); err != nil {
			t.Fatal(err)
		}
	}
}

// TestMoveThenSwapResumesAfterPowerFail simulates a reset partway
// through a move-then-swap: the engine is stopped right after its
// first iteration's status byte lands, the way a power failure would
// leave things — one sector moved and recorded, the rest untouched,
// magic nowhere near committed. A fresh Engine value over the same
// flash (standing in for the reboot) must then resume from exactly
// that recorded point and land on the same final content an
// uninterrupted run reaches, rather than redoing or skipping work.
func TestMoveThenSwapResumesAfterPowerFail(t *testing.T) {
	const n = 4

	refPrimary, refSecondary, refScratch, refM := newResumeMap(n)
	seedResumeContent(t, n, refPrimary, refSecondary, refM)
	refEng := &Engine{
		Map:        refM,
		Primary:    refPrimary,
		Secondary:  refSecondary,
		Scratch:    refScratch,
		SectorSize: resumeSectorSize,
		SwapType:   trailer.SwapTypeTest,
	}
	if err := refEng.MoveThenSwap(); err != nil {
		t.Fatal(err)
	}
	wantPrimary, err := refM.ReadArea(refPrimary, 0, refPrimary.Size)
	if err != nil {
		t.Fatal(err)
	}
	wantSecondary, err := refM.ReadArea(refSecondary, 0, refSecondary.Size)
	if err != nil {
		t.Fatal(err)
	}

	primary, secondary, scratch, m := newResumeMap(n)
	seedResumeContent(t, n, primary, secondary, m)

	eng := &Engine{
		Map:        m,
		Primary:    primary,
		Secondary:  secondary,
		Scratch:    scratch,
		SectorSize: resumeSectorSize,
		SwapType:   trailer.SwapTypeTest,
	}

	const failAfter = 1
	powerFailure := errors.New("simulated power failure")
	completed := 0
	err = eng.run(func(body, iteration int) error {
		if completed >= failAfter {
			return powerFailure
		}
		if err := eng.moveThenSwapStep(body, iteration); err != nil {
			return err
		}
		completed++
		return nil
	})
	if !errors.Is(err, powerFailure) {
		t.Fatalf("got error %v, want the simulated power failure", err)
	}

	layout, err := eng.layout()
	if err != nil {
		t.Fatal(err)
	}
	st, err := trailer.Read(m, primary, layout)
	if err != nil {
		t.Fatal(err)
	}
	if got := trailer.ResumePoint(st.Status); got != failAfter {
		t.Fatalf("got resume point %d, want %d", got, failAfter)
	}
	if st.Magic == trailer.MagicGood {
		t.Fatal("magic must not be committed until the interrupted swap actually finishes")
	}

	resumed := &Engine{
		Map:        m,
		Primary:    primary,
		Secondary:  secondary,
		Scratch:    scratch,
		SectorSize: resumeSectorSize,
		SwapType:   trailer.SwapTypeTest,
	}
	if err := resumed.MoveThenSwap(); err != nil {
		t.Fatal(err)
	}

	gotPrimary, err := m.ReadArea(primary, 0, primary.Size)
	if err != nil {
		t.Fatal(err)
	}
	gotSecondary, err := m.ReadArea(secondary, 0, secondary.Size)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotPrimary, wantPrimary) {
		t.Fatal("resumed swap must reach the same primary content an uninterrupted run reaches")
	}
	if !bytes.Equal(gotSecondary, wantSecondary) {
		t.Fatal("resumed swap must reach the same secondary content an uninterrupted run reaches")
	}
}

// TestMoveThenSwapDoesNotRedoCompletedIterations proves resume skips
// work the trailer says is already done, rather than merely
// tolerating being called twice: the first iteration's move is faked
// (a status byte is recorded without the sectors actually being
// exchanged), so a resume that incorrectly redid iteration 0 would
// produce different final content than one that correctly trusted the
// recorded progress and left that sector alone.
func TestMoveThenSwapDoesNotRedoCompletedIterations(t *testing.T) {
	const n = 3
	primary, secondary, scratch, m := newResumeMap(n)
	seedResumeContent(t, n, primary, secondary, m)

	eng := &Engine{
		Map:        m,
		Primary:    primary,
		Secondary:  secondary,
		Scratch:    scratch,
		SectorSize: resumeSectorSize,
		SwapType:   trailer.SwapTypeTest,
	}

	layout, err := eng.layout()
	if err != nil {
		t.Fatal(err)
	}
	body := eng.bodySectorCount(layout)
	if err := trailer.WriteInit(m, primary, layout, trailer.SwapTypeTest, 0, uint32(body*resumeSectorSize)); err != nil {
		t.Fatal(err)
	}
	// Falsely claim iteration 0 (the highest body sector) already
	// completed, without touching its content.
	if err := trailer.WriteStatus(m, primary, layout, 0); err != nil {
		t.Fatal(err)
	}

	sector := body - 1
	untouchedPrimary, err := m.ReadArea(primary, sector*resumeSectorSize, resumeSectorSize)
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.MoveThenSwap(); err != nil {
		t.Fatal(err)
	}

	gotPrimary, err := m.ReadArea(primary, sector*resumeSectorSize, resumeSectorSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotPrimary, untouchedPrimary) {
		t.Fatal("resume must trust the recorded status and leave an already-marked-done sector alone")
	}
}
