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

package image

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"io/ioutil"
	"math/big"

	"golang.org/x/crypto/ed25519"

	"mynewt.apache.org/mcuboot/util"
)

// ImageDependency is the "image depends on image-index at-or-above
// version" relationship carried in the protected dependency TLV
// (spec.md §4.7's inter-image dependency check).
type ImageDependency struct {
	ImageIndex uint32
	MinVersion ImageVersion
}

// ImageCreator assembles a signed (and optionally encrypted) image
// from a raw body, mirroring the fields the real image-creation tool
// accepts on its command line.
type ImageCreator struct {
	Body         []byte
	Version      ImageVersion
	SigKeys      []ImageSigKey
	PlainSecret  []byte
	CipherSecret []byte
	HeaderSize   int
	InitialHash  []byte
	Bootable     bool
	LoadAddr     uint32
	ImageIndex   uint32
	RamLoad      bool
	FixedRomAddr bool

	// SecurityCounter, when non-nil, is written as a protected
	// monotonic-counter TLV (spec.md §6 nv_counter interface).
	SecurityCounter *uint32
	Dependencies    []ImageDependency
	VendorUUID      []byte
	ClassUUID       []byte
}

type ImageCreateOpts struct {
	SrcBinFilename    string
	SrcEncKeyFilename string
	Version           ImageVersion
	SigKeys           []ImageSigKey
	LoaderHash        []byte
	SecurityCounter   *uint32
	Dependencies      []ImageDependency
}

type ECDSASig struct {
	R *big.Int
	S *big.Int
}

func NewImageCreator() ImageCreator {
	return ImageCreator{
		HeaderSize: IMAGE_HEADER_SIZE,
		Bootable:   true,
	}
}

func generateEncTlv(cipherSecret []byte) (ImageTlv, error) {
	var encType uint8

	switch len(cipherSecret) {
	case 256:
		encType = IMAGE_TLV_ENC_RSA
	case 24:
		encType = IMAGE_TLV_ENC_KW
	default:
		return ImageTlv{}, util.FmtNewtError("invalid enc TLV size %d", len(cipherSecret))
	}

	return ImageTlv{
		Header: ImageTlvHdr{
			Type: encType,
			Pad:  0,
			Len:  uint16(len(cipherSecret)),
		},
		Data: cipherSecret,
	}, nil
}

func generateSigRsa(key ImageSigKey, hash []byte) ([]byte, error) {
	opts := rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	}
	signature, err := rsa.SignPSS(
		rand.Reader, key.Rsa, crypto.SHA256, hash, &opts)
	if err != nil {
		return nil, util.FmtNewtError("failed to compute signature: %s", err)
	}

	return signature, nil
}

func generateSigEc(key ImageSigKey, hash []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, key.Ec, hash)
	if err != nil {
		return nil, util.FmtNewtError("failed to compute signature: %s", err)
	}

	ECDSA := ECDSASig{
		R: r,
		S: s,
	}

	signature, err := asn1.Marshal(ECDSA)
	if err != nil {
		return nil, util.FmtNewtError("failed to construct signature: %s", err)
	}

	sigLen := key.sigLen()
	if len(signature) > int(sigLen) {
		return nil, util.FmtNewtError("ECDSA signature longer than its TLV slot")
	}

	pad := make([]byte, int(sigLen)-len(signature))
	signature = append(signature, pad...)

	return signature, nil
}

func generateSigEd(key ImageSigKey, hash []byte) ([]byte, error) {
	return ed25519.Sign(key.Ed, hash), nil
}

func generateSig(key ImageSigKey, hash []byte) ([]byte, error) {
	key.assertValid()

	switch {
	case key.Rsa != nil:
		return generateSigRsa(key, hash)
	case key.Ec != nil:
		return generateSigEc(key, hash)
	default:
		return generateSigEd(key, hash)
	}
}

func BuildKeyHashTlv(keyBytes []byte) ImageTlv {
	data := RawKeyHash(keyBytes)
	return ImageTlv{
		Header: ImageTlvHdr{
			Type: IMAGE_TLV_KEYHASH,
			Pad:  0,
			Len:  uint16(len(data)),
		},
		Data: data,
	}
}

func BuildSigTlvs(keys []ImageSigKey, hash []byte) ([]ImageTlv, error) {
	var tlvs []ImageTlv

	for _, key := range keys {
		key.assertValid()

		pubKey, err := key.PubBytes()
		if err != nil {
			return nil, err
		}
		tlvs = append(tlvs, BuildKeyHashTlv(pubKey))

		sig, err := generateSig(key, hash)
		if err != nil {
			return nil, err
		}
		tlvs = append(tlvs, ImageTlv{
			Header: ImageTlvHdr{
				Type: key.sigTlvType(),
				Len:  uint16(len(sig)),
			},
			Data: sig,
		})
	}

	return tlvs, nil
}

// BuildSecCntTlv encodes the image's monotonic security counter as a
// 4-byte little-endian protected TLV, read back by boot/validate for
// the rollback-protection check and by boot/bootloader when it updates
// the stored counter.
func BuildSecCntTlv(counter uint32) ImageTlv {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, counter)
	return ImageTlv{
		Header: ImageTlvHdr{Type: IMAGE_TLV_SEC_CNT, Len: uint16(len(data))},
		Data:   data,
	}
}

type rawImageDependency struct {
	ImageIndex uint32
	MinVersion ImageVersion
}

// BuildDependencyTlv encodes one inter-image version dependency as a
// protected TLV (spec.md §4.7's dependency check).
func BuildDependencyTlv(dep ImageDependency) (ImageTlv, error) {
	raw := rawImageDependency{ImageIndex: dep.ImageIndex, MinVersion: dep.MinVersion}

	b := &bytes.Buffer{}
	if err := binary.Write(b, binary.LittleEndian, &raw); err != nil {
		return ImageTlv{}, util.ChildNewtError(err)
	}

	return ImageTlv{
		Header: ImageTlvHdr{Type: IMAGE_TLV_DEPENDENCY, Len: uint16(b.Len())},
		Data:   b.Bytes(),
	}, nil
}

func BuildUuidTlv(tlvType uint8, uuid []byte) (ImageTlv, error) {
	if len(uuid) != 16 {
		return ImageTlv{}, util.FmtNewtError("UUID TLV requires 16 bytes, got %d", len(uuid))
	}
	return ImageTlv{
		Header: ImageTlvHdr{Type: tlvType, Len: uint16(len(uuid))},
		Data:   uuid,
	}, nil
}

func GenerateImage(opts ImageCreateOpts) (Image, error) {
	ic := NewImageCreator()

	srcBin, err := ioutil.ReadFile(opts.SrcBinFilename)
	if err != nil {
		return Image{}, util.FmtNewtError(
			"can't read app binary: %s", err.Error())
	}

	ic.Body = srcBin
	ic.Version = opts.Version
	ic.SigKeys = opts.SigKeys
	ic.SecurityCounter = opts.SecurityCounter
	ic.Dependencies = opts.Dependencies

	if opts.LoaderHash != nil {
		ic.InitialHash = opts.LoaderHash
		ic.Bootable = false
	} else {
		ic.Bootable = true
	}

	if opts.SrcEncKeyFilename != "" {
		plainSecret := make([]byte, 16)
		if _, err := rand.Read(plainSecret); err != nil {
			return Image{}, util.FmtNewtError(
				"random generation error: %s", err)
		}

		cipherSecret, err := ReadEncKey(opts.SrcEncKeyFilename, plainSecret)
		if err != nil {
			return Image{}, err
		}

		ic.PlainSecret = plainSecret
		ic.CipherSecret = cipherSecret
	}

	return ic.Create()
}

// encryptBody runs the CTR-mode keystream teacher's own
// artifact/sec.EncryptAES uses, applied here to a byte slice rather
// than an open file so the image creator can build the image entirely
// in memory.
func encryptBody(plainSecret, body []byte) ([]byte, error) {
	block, err := aes.NewCipher(plainSecret)
	if err != nil {
		return nil, util.NewNewtError("failed to create block cipher")
	}
	nonce := make([]byte, aes.BlockSize)
	stream := cipher.NewCTR(block, nonce)

	out := make([]byte, len(body))
	stream.XORKeyStream(out, body)
	return out, nil
}

func (ic *ImageCreator) Create() (Image, error) {
	ri := Image{}

	hdr := ImageHeader{
		Magic:      IMAGE_MAGIC,
		LoadAddr:   ic.LoadAddr,
		HdrSize:    IMAGE_HEADER_SIZE,
		ImgSize:    uint32(len(ic.Body)),
		Flags:      0,
		Vers:       ic.Version,
		ImageIndex: ic.ImageIndex,
	}

	if !ic.Bootable {
		hdr.Flags |= IMAGE_F_NON_BOOTABLE
	}
	if ic.CipherSecret != nil {
		hdr.Flags |= IMAGE_F_ENCRYPTED
	}
	if ic.RamLoad {
		hdr.Flags |= IMAGE_F_RAM_LOAD
	}
	if ic.FixedRomAddr {
		hdr.Flags |= IMAGE_F_FIXED_ROM_ADDRESS
	}

	if ic.HeaderSize != 0 {
		// Pad the header out to the given size; the gap between the
		// fixed header and the image body is all zeros.
		extra := ic.HeaderSize - IMAGE_HEADER_SIZE
		if extra < 0 {
			return ri, util.FmtNewtError("image header must be at "+
				"least %d bytes", IMAGE_HEADER_SIZE)
		}

		hdr.HdrSize = uint16(ic.HeaderSize)
		ri.Pad = make([]byte, extra)
	}

	hashBytes, err := ComputeHash(ic.InitialHash, hdr, ic.Body)
	if err != nil {
		return ri, err
	}

	if ic.CipherSecret == nil {
		ri.Body = ic.Body
	} else {
		ri.Body, err = encryptBody(ic.PlainSecret, ic.Body)
		if err != nil {
			return ri, err
		}
	}

	util.StatusMessage(util.VERBOSITY_VERBOSE,
		"Computed hash for image as %s\n", hex.EncodeToString(hashBytes))

	ri.Tlvs = append(ri.Tlvs, ImageTlv{
		Header: ImageTlvHdr{Type: IMAGE_TLV_SHA256, Len: uint16(len(hashBytes))},
		Data:   hashBytes,
	})

	sigTlvs, err := BuildSigTlvs(ic.SigKeys, hashBytes)
	if err != nil {
		return ri, err
	}
	ri.Tlvs = append(ri.Tlvs, sigTlvs...)

	if ic.CipherSecret != nil {
		tlv, err := generateEncTlv(ic.CipherSecret)
		if err != nil {
			return ri, err
		}
		ri.Tlvs = append(ri.Tlvs, tlv)
	}

	if ic.SecurityCounter != nil {
		ri.ProtectedTlvs = append(ri.ProtectedTlvs, BuildSecCntTlv(*ic.SecurityCounter))
	}
	for _, dep := range ic.Dependencies {
		tlv, err := BuildDependencyTlv(dep)
		if err != nil {
			return ri, err
		}
		ri.ProtectedTlvs = append(ri.ProtectedTlvs, tlv)
	}
	if ic.VendorUUID != nil {
		tlv, err := BuildUuidTlv(IMAGE_TLV_VENDOR_UUID, ic.VendorUUID)
		if err != nil {
			return ri, err
		}
		ri.ProtectedTlvs = append(ri.ProtectedTlvs, tlv)
	}
	if ic.ClassUUID != nil {
		tlv, err := BuildUuidTlv(IMAGE_TLV_CLASS_UUID, ic.ClassUUID)
		if err != nil {
			return ri, err
		}
		ri.ProtectedTlvs = append(ri.ProtectedTlvs, tlv)
	}

	if len(ri.ProtectedTlvs) > 0 {
		hdr.ProtectTlvSize = uint16(tlvBlockLen(ri.ProtectedTlvs))
	}
	ri.Header = hdr

	return ri, nil
}
