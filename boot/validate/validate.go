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

// Package validate implements the Validator spec.md §4.3 describes:
// recompute the image hash, check it against the SHA256 TLV, verify
// at least one configured public key's signature, and enforce the
// downgrade-prevention and rollback-counter policies. It returns a
// doubled boot/fih.AuthState rather than a plain bool so a caller
// cannot accept an image on the strength of a single glitched
// comparison.
package validate

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/asn1"
	"math/big"

	"golang.org/x/crypto/ed25519"

	"mynewt.apache.org/mcuboot/artifact/image"
	"mynewt.apache.org/mcuboot/boot/fih"
)

// PublicKey is one of the three verification schemes spec.md §4.3
// allows. Exactly one field is non-nil.
type PublicKey struct {
	Rsa *rsa.PublicKey
	Ec  *ecdsa.PublicKey
	Ed  ed25519.PublicKey
}

// Policy bundles the checks Validate enforces beyond the signature
// itself: the minimum acceptable security counter and whether
// downgrades (a candidate image whose version is lower than the one
// currently installed) are rejected.
type Policy struct {
	Keys              []PublicKey
	MinSecurityCounter uint32
	RejectDowngrade   bool
	CurrentVersion    image.ImageVersion
	HaveCurrentVersion bool
	Dependencies       map[uint32]image.ImageVersion
}

// Result carries both the fault-hardened verdict and the plain-Go
// reasons a caller or test can log, without making the reasons
// themselves part of the trust decision.
type Result struct {
	Auth   fih.AuthState
	Reason string
}

func fail(reason string) Result {
	return Result{Auth: fih.FALSE(), Reason: reason}
}

func ok() Result {
	return Result{Auth: fih.TRUE(), Reason: ""}
}

type ecdsaSig struct {
	R *big.Int
	S *big.Int
}

func verifySig(key PublicKey, hash, sig []byte) bool {
	switch {
	case key.Rsa != nil:
		opts := rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}
		return rsa.VerifyPSS(key.Rsa, crypto.SHA256, hash, sig, &opts) == nil
	case key.Ec != nil:
		var parsed ecdsaSig
		rest, err := asn1.Unmarshal(trimTrailingZeros(sig), &parsed)
		if err != nil || len(rest) != 0 {
			return false
		}
		return ecdsa.Verify(key.Ec, hash, parsed.R, parsed.S)
	case key.Ed != nil:
		return ed25519.Verify(key.Ed, hash, sig)
	default:
		return false
	}
}

// trimTrailingZeros strips the zero padding generateSigEc appends so
// the ASN.1 DER sequence parses cleanly.
func trimTrailingZeros(sig []byte) []byte {
	end := len(sig)
	for end > 0 && sig[end-1] == 0 {
		end--
	}
	return sig[:end]
}

// Validate runs the full spec.md §4.3 check sequence against a parsed
// image: hash, signature, version/downgrade policy, security counter,
// and inter-image dependencies.
func Validate(img image.Image, policy Policy) Result {
	computed, err := image.ComputeHash(nil, img.Header, img.Body)
	if err != nil {
		return fail("failed to compute image hash: " + err.Error())
	}

	stored, err := img.Hash()
	if err != nil {
		return fail("image has no hash TLV")
	}
	if !constantTimeEqual(computed, stored) {
		return fail("image hash does not match SHA256 TLV")
	}

	if len(policy.Keys) == 0 {
		return fail("no public keys configured")
	}

	sigVerified := false
	for _, tlvType := range []uint8{
		image.IMAGE_TLV_RSA2048_PSS, image.IMAGE_TLV_ECDSA256, image.IMAGE_TLV_ED25519,
	} {
		for _, tlv := range img.FindTlvs(tlvType) {
			for _, key := range policy.Keys {
				if verifySig(key, computed, tlv.Data) {
					sigVerified = true
				}
			}
		}
	}
	if !sigVerified {
		return fail("no configured key verifies the image signature")
	}

	if policy.RejectDowngrade && policy.HaveCurrentVersion {
		if img.Header.Vers.Less(policy.CurrentVersion) {
			return fail("candidate image version is older than the running image")
		}
	}

	if secTlv, _ := img.FindUniqueTlv(image.IMAGE_TLV_SEC_CNT); secTlv != nil {
		if len(secTlv.Data) == 4 {
			counter := uint32(secTlv.Data[0]) | uint32(secTlv.Data[1])<<8 |
				uint32(secTlv.Data[2])<<16 | uint32(secTlv.Data[3])<<24
			if counter < policy.MinSecurityCounter {
				return fail("image security counter is below the installed minimum")
			}
		}
	}

	for _, tlv := range img.FindProtectedTlvs(image.IMAGE_TLV_DEPENDENCY) {
		if len(tlv.Data) < 4 {
			continue
		}
		depIndex := uint32(tlv.Data[0]) | uint32(tlv.Data[1])<<8 |
			uint32(tlv.Data[2])<<16 | uint32(tlv.Data[3])<<24
		have, present := policy.Dependencies[depIndex]
		if !present {
			return fail("image depends on an image index that is not present")
		}
		var want image.ImageVersion
		if len(tlv.Data) >= 12 {
			want = image.ImageVersion{
				Major:    tlv.Data[4],
				Minor:    tlv.Data[5],
				Rev:      uint16(tlv.Data[6]) | uint16(tlv.Data[7])<<8,
				BuildNum: uint32(tlv.Data[8]) | uint32(tlv.Data[9])<<8 | uint32(tlv.Data[10])<<16 | uint32(tlv.Data[11])<<24,
			}
		}
		if have.Less(want) {
			return fail("dependency's installed version is older than required")
		}
	}

	return ok()
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
