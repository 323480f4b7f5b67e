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

package bootloader_test

import (
	"bytes"
	"crypto/aes"
	"testing"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"golang.org/x/crypto/ed25519"

	"mynewt.apache.org/mcuboot/artifact/flash"
	"mynewt.apache.org/mcuboot/artifact/image"
	"mynewt.apache.org/mcuboot/boot/bootloader"
	"mynewt.apache.org/mcuboot/boot/nvcounter"
	"mynewt.apache.org/mcuboot/boot/trailer"
	"mynewt.apache.org/mcuboot/boot/validate"
	"mynewt.apache.org/mcuboot/sim/flashsim"
)

const slotSize = 32 * 1024

func writeImage(t *testing.T, m *flashsim.Map, area flash.FlashArea, vers image.ImageVersion, priv ed25519.PrivateKey) {
	t.Helper()
	writeImageWithDeps(t, m, area, vers, priv, nil)
}

func writeImageWithDeps(t *testing.T, m *flashsim.Map, area flash.FlashArea, vers image.ImageVersion, priv ed25519.PrivateKey, deps []image.ImageDependency) {
	t.Helper()

	ic := image.NewImageCreator()
	ic.Body = bytes.Repeat([]byte{0x5a}, 256)
	ic.Version = vers
	ic.LoadAddr = 0x08000000
	ic.Dependencies = deps
	if priv != nil {
		ic.SigKeys = []image.ImageSigKey{{Ed: priv}}
	}

	img, err := ic.Create()
	if err != nil {
		t.Fatal(err)
	}

	buf := &bytes.Buffer{}
	if _, err := img.Write(buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() > area.Size {
		t.Fatalf("image of %d bytes does not fit in a %d-byte slot", buf.Len(), area.Size)
	}

	if err := m.WriteArea(area, 0, buf.Bytes()); err != nil {
		t.Fatal(err)
	}
}

func twoSlotMap(t *testing.T) (primary, secondary flash.FlashArea, m *flashsim.Map) {
	t.Helper()

	primaryDev := flashsim.NewDevice(0, slotSize, 1, 4096, flashsim.DefaultErasedByte)
	secondaryDev := flashsim.NewDevice(1, slotSize, 1, 4096, flashsim.DefaultErasedByte)

	primary = flash.FlashArea{Name: "primary", Id: 1, Device: 0, Offset: 0, Size: slotSize}
	secondary = flash.FlashArea{Name: "secondary", Id: 2, Device: 1, Offset: 0, Size: slotSize}

	m = flashsim.NewMap(
		[]flash.FlashArea{primary, secondary},
		map[int]*flashsim.Device{0: primaryDev, 1: secondaryDev},
	)
	return
}

func threeSlotMap(t *testing.T) (primary, secondary, scratch flash.FlashArea, m *flashsim.Map) {
	t.Helper()

	const sectorSize = 4096
	primaryDev := flashsim.NewDevice(0, slotSize, 1, sectorSize, flashsim.DefaultErasedByte)
	secondaryDev := flashsim.NewDevice(1, slotSize, 1, sectorSize, flashsim.DefaultErasedByte)
	scratchDev := flashsim.NewDevice(2, sectorSize, 1, sectorSize, flashsim.DefaultErasedByte)

	primary = flash.FlashArea{Name: "primary", Id: 1, Device: 0, Offset: 0, Size: slotSize}
	secondary = flash.FlashArea{Name: "secondary", Id: 2, Device: 1, Offset: 0, Size: slotSize}
	scratch = flash.FlashArea{Name: "scratch", Id: 3, Device: 2, Offset: 0, Size: sectorSize}

	m = flashsim.NewMap(
		[]flash.FlashArea{primary, secondary, scratch},
		map[int]*flashsim.Device{0: primaryDev, 1: secondaryDev, 2: scratchDev},
	)
	return
}

func writeEncryptedImage(t *testing.T, m *flashsim.Map, area flash.FlashArea, vers image.ImageVersion, priv ed25519.PrivateKey, kek []byte) {
	t.Helper()

	contentKey := bytes.Repeat([]byte{0x24}, 16)
	block, err := aes.NewCipher(kek)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := keywrap.Wrap(block, contentKey)
	if err != nil {
		t.Fatal(err)
	}

	ic := image.NewImageCreator()
	ic.Body = bytes.Repeat([]byte{0x5a}, 256)
	ic.Version = vers
	ic.LoadAddr = 0x08000000
	ic.SigKeys = []image.ImageSigKey{{Ed: priv}}
	ic.PlainSecret = contentKey
	ic.CipherSecret = wrapped

	img, err := ic.Create()
	if err != nil {
		t.Fatal(err)
	}

	buf := &bytes.Buffer{}
	if _, err := img.Write(buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() > area.Size {
		t.Fatalf("image of %d bytes does not fit in a %d-byte slot", buf.Len(), area.Size)
	}

	if err := m.WriteArea(area, 0, buf.Bytes()); err != nil {
		t.Fatal(err)
	}
}

func markPending(t *testing.T, m *flashsim.Map, area flash.FlashArea) {
	t.Helper()

	layout, err := trailer.LayoutFor(m, area, 4096, false)
	if err != nil {
		t.Fatal(err)
	}
	st, err := trailer.Read(m, area, layout)
	if err != nil {
		t.Fatal(err)
	}
	st.SwapType = trailer.SwapTypeTest
	if err := trailer.Write(m, area, st, layout); err != nil {
		t.Fatal(err)
	}
}

func TestBootGoSwapDecryptsImageIntoPrimary(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	kek := bytes.Repeat([]byte{0x11}, 16)

	primary, secondary, scratch, m := threeSlotMap(t)
	writeEncryptedImage(t, m, secondary, image.ImageVersion{Major: 2}, priv, kek)
	markPending(t, m, secondary)

	counters, err := nvcounter.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer counters.Close()

	bl := bootloader.New(m, counters, bootloader.Config{
		Mode:            bootloader.ModeSwap,
		Algorithm:       bootloader.AlgorithmMoveThenSwap,
		Encrypted:       true,
		UnwrapAesKek:    kek,
		SectorSize:      4096,
		ValidatePrimary: true,
		Keys:            []validate.PublicKey{{Ed: pub}},
	})

	resp, err := bl.BootGo(0, bootloader.Slots{Primary: primary, Secondary: secondary, Scratch: scratch})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SwapType != trailer.SwapTypeTest {
		t.Fatalf("got swap type %s, want test", resp.SwapType)
	}

	img, err := image.ParseImage(mustReadArea(t, m, primary))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(img.Body, bytes.Repeat([]byte{0x5a}, 256)) {
		t.Fatal("primary's body must be decrypted back to the original plaintext")
	}
}

func mustReadArea(t *testing.T, m *flashsim.Map, area flash.FlashArea) []byte {
	t.Helper()
	raw, err := m.ReadArea(area, 0, area.Size)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestBootGoDirectXipPicksHigherVersion(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	primary, secondary, m := twoSlotMap(t)
	writeImage(t, m, primary, image.ImageVersion{Major: 1}, priv)
	writeImage(t, m, secondary, image.ImageVersion{Major: 2}, priv)

	counters, err := nvcounter.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer counters.Close()

	bl := bootloader.New(m, counters, bootloader.Config{
		Mode:            bootloader.ModeDirectXIP,
		ValidatePrimary: true,
		Keys:            []validate.PublicKey{{Ed: pub}},
	})

	resp, err := bl.BootGo(0, bootloader.Slots{Primary: primary, Secondary: secondary})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SlotArea.Name != "secondary" {
		t.Fatalf("got slot %s, want secondary (higher version)", resp.SlotArea.Name)
	}
}

func TestBootGoDirectXipKeepsPrimaryWhenHigher(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	primary, secondary, m := twoSlotMap(t)
	writeImage(t, m, primary, image.ImageVersion{Major: 3}, priv)
	writeImage(t, m, secondary, image.ImageVersion{Major: 1}, priv)

	counters, err := nvcounter.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer counters.Close()

	bl := bootloader.New(m, counters, bootloader.Config{
		Mode:            bootloader.ModeDirectXIP,
		ValidatePrimary: true,
		Keys:            []validate.PublicKey{{Ed: pub}},
	})

	resp, err := bl.BootGo(0, bootloader.Slots{Primary: primary, Secondary: secondary})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SlotArea.Name != "primary" {
		t.Fatalf("got slot %s, want primary (higher version)", resp.SlotArea.Name)
	}
}

func TestBootGoSwapNoneIsNoop(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	primary, secondary, m := twoSlotMap(t)
	writeImage(t, m, primary, image.ImageVersion{Major: 1}, priv)

	counters, err := nvcounter.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer counters.Close()

	bl := bootloader.New(m, counters, bootloader.Config{
		Mode:            bootloader.ModeSwap,
		Algorithm:       bootloader.AlgorithmMoveThenSwap,
		SectorSize:      4096,
		ValidatePrimary: true,
		Keys:            []validate.PublicKey{{Ed: pub}},
	})

	resp, err := bl.BootGo(0, bootloader.Slots{Primary: primary, Secondary: secondary})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SwapType != trailer.SwapTypeNone {
		t.Fatalf("got swap type %s, want none", resp.SwapType)
	}
	if resp.SlotArea.Name != "primary" {
		t.Fatalf("got slot %s, want primary", resp.SlotArea.Name)
	}
}

func TestBootGoRamLoadRejectsNonRamLoadImage(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	primary, secondary, m := twoSlotMap(t)
	writeImage(t, m, primary, image.ImageVersion{Major: 1}, priv)

	counters, err := nvcounter.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer counters.Close()

	bl := bootloader.New(m, counters, bootloader.Config{
		Mode: bootloader.ModeRamLoad,
	})

	if _, err := bl.BootGo(0, bootloader.Slots{Primary: primary, Secondary: secondary}); err == nil {
		t.Fatal("expected an error booting a non-RAM_LOAD image in RAM-load mode")
	}
}

// TestBootGoRejectsDowngradeStagingAndScrambles exercises spec.md §8
// invariant 5: a staged image older than the one already running the
// primary slot must not be copied in. validateStaging's downgrade
// check, fed the primary's current version, must catch it before
// runSwap ever touches flash; the rejected staging slot must then be
// scrambled so it isn't offered to the validator again next boot.
func TestBootGoRejectsDowngradeStagingAndScrambles(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	primary, secondary, m := twoSlotMap(t)
	writeImage(t, m, primary, image.ImageVersion{Major: 2}, priv)
	writeImage(t, m, secondary, image.ImageVersion{Major: 1}, priv)
	markPending(t, m, secondary)

	counters, err := nvcounter.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer counters.Close()

	bl := bootloader.New(m, counters, bootloader.Config{
		Mode:            bootloader.ModeSwap,
		Algorithm:       bootloader.AlgorithmMoveThenSwap,
		SectorSize:      4096,
		RejectDowngrade: true,
		ValidatePrimary: true,
		Keys:            []validate.PublicKey{{Ed: pub}},
	})

	resp, err := bl.BootGo(0, bootloader.Slots{Primary: primary, Secondary: secondary})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SwapType != trailer.SwapTypeFail {
		t.Fatalf("got swap type %s, want fail (downgrade rejected)", resp.SwapType)
	}
	if resp.SlotArea.Name != "primary" {
		t.Fatalf("got slot %s, want primary (no swap should have run)", resp.SlotArea.Name)
	}

	secondaryRaw, err := m.ReadArea(secondary, 0, secondary.Size)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(secondaryRaw, bytes.Repeat([]byte{flashsim.DefaultErasedByte}, secondary.Size)) {
		t.Fatal("rejected staging slot must be scrambled so it isn't retried next boot")
	}
}

// TestBootGoRejectsUnsignedStagingAndScrambles exercises the same FAIL
// downgrade path for a staging image that fails signature validation
// outright (wrong key) rather than a version check, confirming
// validateStaging covers both failure modes.
func TestBootGoRejectsUnsignedStagingAndScrambles(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	primary, secondary, m := twoSlotMap(t)
	writeImage(t, m, primary, image.ImageVersion{Major: 1}, priv)
	writeImage(t, m, secondary, image.ImageVersion{Major: 2}, wrongPriv)
	markPending(t, m, secondary)

	counters, err := nvcounter.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer counters.Close()

	bl := bootloader.New(m, counters, bootloader.Config{
		Mode:            bootloader.ModeSwap,
		Algorithm:       bootloader.AlgorithmMoveThenSwap,
		SectorSize:      4096,
		ValidatePrimary: true,
		Keys:            []validate.PublicKey{{Ed: pub}},
	})

	resp, err := bl.BootGo(0, bootloader.Slots{Primary: primary, Secondary: secondary})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SwapType != trailer.SwapTypeFail {
		t.Fatalf("got swap type %s, want fail (bad signature rejected)", resp.SwapType)
	}

	secondaryRaw, err := m.ReadArea(secondary, 0, secondary.Size)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(secondaryRaw, bytes.Repeat([]byte{flashsim.DefaultErasedByte}, secondary.Size)) {
		t.Fatal("rejected staging slot must be scrambled so it isn't retried next boot")
	}
}

// TestBootGoAllDowngradesUnmetDependency exercises spec.md §4.7 step 3:
// image 0's staged upgrade depends on image 1 reaching version 2.0,
// but image 1 has nothing staged and stays at version 1.0, so image
// 0's swap must be downgraded to NONE instead of being driven.
func TestBootGoAllDowngradesUnmetDependency(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	const sectorSize = 4096
	dev0 := flashsim.NewDevice(0, slotSize, 1, sectorSize, flashsim.DefaultErasedByte)
	dev1 := flashsim.NewDevice(1, slotSize, 1, sectorSize, flashsim.DefaultErasedByte)
	dev2 := flashsim.NewDevice(2, slotSize, 1, sectorSize, flashsim.DefaultErasedByte)
	dev3 := flashsim.NewDevice(3, slotSize, 1, sectorSize, flashsim.DefaultErasedByte)

	primary0 := flash.FlashArea{Name: "primary0", Id: 1, Device: 0, Offset: 0, Size: slotSize}
	secondary0 := flash.FlashArea{Name: "secondary0", Id: 2, Device: 1, Offset: 0, Size: slotSize}
	primary1 := flash.FlashArea{Name: "primary1", Id: 3, Device: 2, Offset: 0, Size: slotSize}
	secondary1 := flash.FlashArea{Name: "secondary1", Id: 4, Device: 3, Offset: 0, Size: slotSize}

	m := flashsim.NewMap(
		[]flash.FlashArea{primary0, secondary0, primary1, secondary1},
		map[int]*flashsim.Device{0: dev0, 1: dev1, 2: dev2, 3: dev3},
	)

	writeImage(t, m, primary0, image.ImageVersion{Major: 1}, priv)
	writeImageWithDeps(t, m, secondary0, image.ImageVersion{Major: 2}, priv,
		[]image.ImageDependency{{ImageIndex: 1, MinVersion: image.ImageVersion{Major: 2}}})
	markPending(t, m, secondary0)

	writeImage(t, m, primary1, image.ImageVersion{Major: 1}, priv)

	counters, err := nvcounter.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer counters.Close()

	bl := bootloader.New(m, counters, bootloader.Config{
		Mode:            bootloader.ModeSwap,
		Algorithm:       bootloader.AlgorithmMoveThenSwap,
		SectorSize:      sectorSize,
		ValidatePrimary: true,
		Keys:            []validate.PublicKey{{Ed: pub}},
	})

	responses, err := bl.BootGoAll([]bootloader.Slots{
		{Primary: primary0, Secondary: secondary0},
		{Primary: primary1, Secondary: secondary1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if responses[0].SwapType != trailer.SwapTypeNone {
		t.Fatalf("got swap type %s, want none (unmet dependency on image 1)", responses[0].SwapType)
	}
	if responses[0].SlotArea.Name != "primary0" {
		t.Fatalf("got slot %s, want primary0 (no swap should have run)", responses[0].SlotArea.Name)
	}
	if responses[1].SwapType != trailer.SwapTypeNone {
		t.Fatalf("image 1: got swap type %s, want none (nothing staged)", responses[1].SwapType)
	}
}
