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

package flashsim_test

import (
	"bytes"
	"testing"

	"mynewt.apache.org/mcuboot/artifact/flash"
	"mynewt.apache.org/mcuboot/sim/flashsim"
)

func TestNewDeviceStartsErased(t *testing.T) {
	d := flashsim.NewDevice(0, 4096, 1, 4096, flashsim.DefaultErasedByte)
	data, err := d.Read(0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range data {
		if b != flashsim.DefaultErasedByte {
			t.Fatalf("byte %d: got %#x, want erased %#x", i, b, flashsim.DefaultErasedByte)
		}
	}
}

func TestWriteThenRead(t *testing.T) {
	d := flashsim.NewDevice(0, 4096, 1, 4096, flashsim.DefaultErasedByte)
	want := []byte{0x01, 0x02, 0x03, 0x04}
	if err := d.Write(0, want); err != nil {
		t.Fatal(err)
	}
	got, err := d.Read(0, len(want))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestWriteCannotSetClearedBits(t *testing.T) {
	d := flashsim.NewDevice(0, 4096, 1, 4096, flashsim.DefaultErasedByte)
	if err := d.Write(0, []byte{0x0f}); err != nil {
		t.Fatal(err)
	}
	// Writing 0xf0 over an already-programmed 0x0f can only clear
	// bits, never set them, so the result must stay 0x00.
	if err := d.Write(0, []byte{0xf0}); err != nil {
		t.Fatal(err)
	}
	got, err := d.Read(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0x00 {
		t.Fatalf("got %#x, want 0x00 (AND of 0x0f and 0xf0)", got[0])
	}
}

func TestWriteRequiresAlignment(t *testing.T) {
	d := flashsim.NewDevice(0, 4096, 4, 4096, flashsim.DefaultErasedByte)
	if err := d.Write(0, []byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected an alignment error for a non-multiple-of-4 write")
	}
}

func TestEraseRestoresErasedByte(t *testing.T) {
	d := flashsim.NewDevice(0, 8192, 1, 4096, flashsim.DefaultErasedByte)
	if err := d.Write(0, []byte{0x00, 0x00}); err != nil {
		t.Fatal(err)
	}
	if err := d.Erase(0, 4096); err != nil {
		t.Fatal(err)
	}
	got, err := d.Read(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != flashsim.DefaultErasedByte || got[1] != flashsim.DefaultErasedByte {
		t.Fatalf("got %x, want erased bytes", got)
	}
}

func TestEraseRequiresSectorAlignment(t *testing.T) {
	d := flashsim.NewDevice(0, 8192, 1, 4096, flashsim.DefaultErasedByte)
	if err := d.Erase(100, 4096); err == nil {
		t.Fatal("expected a sector-alignment error")
	}
}

func TestMapReadWriteEraseArea(t *testing.T) {
	dev := flashsim.NewDevice(1, 8192, 1, 4096, flashsim.DefaultErasedByte)
	area := flash.FlashArea{Name: "primary", Id: 1, Device: 1, Offset: 4096, Size: 4096}
	m := flashsim.NewMap([]flash.FlashArea{area}, map[int]*flashsim.Device{1: dev})

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := m.WriteArea(area, 0, payload); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadArea(area, 0, len(payload))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %x, want %x", got, payload)
	}

	if err := m.EraseArea(area, 0, area.Size); err != nil {
		t.Fatal(err)
	}
	got, err = m.ReadArea(area, 0, len(payload))
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range got {
		if b != flashsim.DefaultErasedByte {
			t.Fatalf("area not erased: got %x", got)
		}
	}
}

func TestMapReadPastAreaEndFails(t *testing.T) {
	dev := flashsim.NewDevice(1, 4096, 1, 4096, flashsim.DefaultErasedByte)
	area := flash.FlashArea{Name: "primary", Id: 1, Device: 1, Offset: 0, Size: 4096}
	m := flashsim.NewMap([]flash.FlashArea{area}, map[int]*flashsim.Device{1: dev})

	if _, err := m.ReadArea(area, 4000, 200); err == nil {
		t.Fatal("expected an out-of-bounds error")
	}
}

func TestAreaById(t *testing.T) {
	area := flash.FlashArea{Name: "primary", Id: 7, Device: 0, Offset: 0, Size: 4096}
	m := flashsim.NewMap([]flash.FlashArea{area}, map[int]*flashsim.Device{
		0: flashsim.NewDevice(0, 4096, 1, 4096, flashsim.DefaultErasedByte),
	})

	got, ok := m.AreaById(7)
	if !ok {
		t.Fatal("expected area 7 to be found")
	}
	if got.Name != "primary" {
		t.Fatalf("got area %+v, want primary", got)
	}

	if _, ok := m.AreaById(99); ok {
		t.Fatal("expected area 99 to be absent")
	}
}

func TestScramble(t *testing.T) {
	d := flashsim.NewDevice(0, 4096, 1, 4096, flashsim.DefaultErasedByte)
	if err := d.Scramble(0, 16, 0x5a); err != nil {
		t.Fatal(err)
	}
	got, err := d.Read(0, 16)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range got {
		if b != 0x5a {
			t.Fatalf("got %#x, want scrambled 0x5a", b)
		}
	}
}
