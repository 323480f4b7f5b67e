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

// Package fih implements the fault-injection-hardening primitives a
// bootloader decision path is expected to use instead of a plain
// bool: doubled sentinel values so a single glitched comparison
// cannot flip a decision, a call-in/call-out counter that must
// balance across a protected region, and a randomized micro-delay to
// jitter the timing an attacker would otherwise glitch against.
package fih

import (
	"crypto/rand"
	"math/big"
	"time"
)

// AuthState doubles every comparison value: a single bit flip in Val
// does not change the *other* half, so a fault that corrupts Val
// without touching Redundant still fails Eq's equality test. This
// mirrors the `fih_int`/`FIH_TRUE`/`FIH_FALSE` construction in
// fault_injection_hardening.h, not a plain Go bool.
type AuthState struct {
	Val       int32
	Redundant int32
}

// The two sentinel values are spaced far apart in the encoding and
// are each other's bitwise complement, the same property the
// original header relies on.
var (
	ok_state   = ^int32(0x76543210) // bit pattern 0x89abcdef
	fail_state = int32(0x76543210)
)

func TRUE() AuthState  { return AuthState{Val: ok_state, Redundant: ^ok_state} }
func FALSE() AuthState { return AuthState{Val: fail_state, Redundant: ^fail_state} }

// Eq reports whether s represents a successful outcome, checking both
// halves rather than a single word.
func (s AuthState) Eq(other AuthState) bool {
	return s.Val == other.Val && s.Redundant == other.Redundant
}

// IsTrue checks s against TRUE() using both redundant halves; a fault
// that corrupts only one half is caught here instead of being
// silently accepted.
func (s AuthState) IsTrue() bool {
	return s.Eq(TRUE())
}

// CfiCounter is the call-in/call-out balance counter: every protected
// function increments it on entry and decrements it on the one exit
// path a caller is meant to observe. A fault that skips the matching
// decrement leaves the counter non-zero, which the bootloader's
// BootGoAll checks at a higher-level choke point.
type CfiCounter struct {
	depth int32
}

func (c *CfiCounter) Enter() { c.depth++ }
func (c *CfiCounter) Exit()  { c.depth-- }

func (c *CfiCounter) Balanced() bool {
	return c.depth == 0
}

// Delay sleeps a random short duration in [0, maxNanos) so the
// instruction timing around a security decision can't be predicted
// precisely enough to target with a glitch. Cryptographic randomness
// is not required here, only unpredictability to an external
// observer, but crypto/rand is already a dependency elsewhere in this
// module so it is reused rather than introducing math/rand's seed
// state.
func Delay(maxNanos int64) {
	if maxNanos <= 0 {
		return
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxNanos))
	if err != nil {
		return
	}
	time.Sleep(time.Duration(n.Int64()))
}

// Panic is the unrecoverable response to a detected fault: the
// original FIH_PANIC spins forever rather than returning control to
// any caller. A goroutine calling this never returns.
func Panic() {
	for {
		Delay(1_000_000)
	}
}
