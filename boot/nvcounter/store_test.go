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

package nvcounter_test

import (
	"testing"

	"mynewt.apache.org/mcuboot/boot/nvcounter"
)

func openStore(t *testing.T) *nvcounter.Store {
	t.Helper()
	s, err := nvcounter.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetDefaultsToZero(t *testing.T) {
	s := openStore(t)
	v, err := s.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("got %d, want 0", v)
	}
}

func TestSetThenGet(t *testing.T) {
	s := openStore(t)
	if err := s.Set(0, 3); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 3 {
		t.Fatalf("got %d, want 3", v)
	}
}

func TestSetRefusesToDecrease(t *testing.T) {
	s := openStore(t)
	if err := s.Set(0, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(0, 4); err == nil {
		t.Fatal("expected an error when moving the counter backward")
	}
}

func TestLockRefusesFurtherWrites(t *testing.T) {
	s := openStore(t)
	if err := s.Set(1, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Lock(1); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(1, 2); err == nil {
		t.Fatal("expected an error writing to a locked counter")
	}
}

func TestCountersAreIndependentPerImage(t *testing.T) {
	s := openStore(t)
	if err := s.Set(0, 7); err != nil {
		t.Fatal(err)
	}
	if err := s.Lock(0); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(1, 9); err != nil {
		t.Fatal("image 1's counter must not be affected by locking image 0's")
	}
	v, err := s.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 9 {
		t.Fatalf("got %d, want 9", v)
	}
}
