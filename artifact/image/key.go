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
	"crypto/aes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"io/ioutil"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"golang.org/x/crypto/ed25519"

	"mynewt.apache.org/mcuboot/artifact/sec"
	"mynewt.apache.org/mcuboot/util"
)

// ImageSigKey is one of the three signature schemes spec.md §4.3
// permits: RSA-PSS 2048, ECDSA-P256, or Ed25519. Exactly one member is
// non-nil.
type ImageSigKey struct {
	Rsa *rsa.PrivateKey
	Ec  *ecdsa.PrivateKey
	Ed  ed25519.PrivateKey
}

func ParsePrivateKey(keyBytes []byte) (interface{}, error) {
	var privKey interface{}
	var err error

	block, data := pem.Decode(keyBytes)
	if block != nil && block.Type == "EC PARAMETERS" {
		// Openssl prepends an EC PARAMETERS block before the key
		// itself; skip it and move on to the data block.
		block, _ = pem.Decode(data)
	}
	if block != nil && block.Type == "RSA PRIVATE KEY" {
		privKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, util.FmtNewtError(
				"private key parsing failed: %s", err)
		}
	}
	if block != nil && block.Type == "EC PRIVATE KEY" {
		privKey, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, util.FmtNewtError(
				"private key parsing failed: %s", err)
		}
	}
	if block != nil && block.Type == "PRIVATE KEY" {
		// PKCS#8 unencrypted private key; the concrete type is
		// indicated within the key itself (RSA, EC or Ed25519).
		privKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, util.FmtNewtError(
				"private key parsing failed: %s", err)
		}
	}
	if block != nil && block.Type == "ENCRYPTED PRIVATE KEY" {
		privKey, err = sec.ParseEncryptedPrivateKey(block.Bytes)
		if err != nil {
			return nil, util.FmtNewtError(
				"unable to decode encrypted private key: %s", err)
		}
	}
	if privKey == nil {
		return nil, util.NewNewtError("unknown private key format; " +
			"RSA/EC/Ed25519 private key in PEM format only")
	}

	return privKey, nil
}

// BuildPrivateKey parses a PEM-encoded private key (plain, PKCS#8, or
// PKCS#5-encrypted PKCS#8) into the signing-key union used when
// assembling an image's signature TLVs.
func BuildPrivateKey(keyBytes []byte) (ImageSigKey, error) {
	key := ImageSigKey{}

	privKey, err := ParsePrivateKey(keyBytes)
	if err != nil {
		return key, err
	}

	switch priv := privKey.(type) {
	case *rsa.PrivateKey:
		key.Rsa = priv
	case *ecdsa.PrivateKey:
		key.Ec = priv
	case ed25519.PrivateKey:
		key.Ed = priv
	case *ed25519.PrivateKey:
		key.Ed = *priv
	default:
		return key, util.NewNewtError("unknown private key format")
	}

	return key, nil
}

func ReadKey(filename string) (ImageSigKey, error) {
	keyBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return ImageSigKey{}, util.FmtNewtError("error reading key file: %s", err)
	}

	return BuildPrivateKey(keyBytes)
}

func ReadKeys(filenames []string) ([]ImageSigKey, error) {
	keys := make([]ImageSigKey, len(filenames))

	for i, filename := range filenames {
		key, err := ReadKey(filename)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}

	return keys, nil
}

func (key *ImageSigKey) assertValid() {
	n := 0
	if key.Rsa != nil {
		n++
	}
	if key.Ec != nil {
		n++
	}
	if key.Ed != nil {
		n++
	}
	if n != 1 {
		panic("invalid key; exactly one of RSA, EC, Ed25519 must be set")
	}
}

func (key *ImageSigKey) PubBytes() ([]uint8, error) {
	key.assertValid()

	var pubkey []byte

	switch {
	case key.Rsa != nil:
		pubkey, _ = asn1.Marshal(key.Rsa.PublicKey)
	case key.Ec != nil:
		if key.Ec.Curve.Params().Name != "P-256" {
			return nil, util.NewNewtError("unsupported ECC curve")
		}
		pubkey, _ = x509.MarshalPKIXPublicKey(&key.Ec.PublicKey)
	case key.Ed != nil:
		pubkey, _ = x509.MarshalPKIXPublicKey(key.Ed.Public())
	}

	return pubkey, nil
}

func RawKeyHash(pubKeyBytes []byte) []byte {
	sum := sha256.Sum256(pubKeyBytes)
	return sum[:4]
}

func (key *ImageSigKey) sigLen() uint16 {
	key.assertValid()

	switch {
	case key.Rsa != nil:
		return 256
	case key.Ec != nil:
		return 72 // ASN.1 DER ECDSA-P256 signature, padded
	case key.Ed != nil:
		return ed25519.SignatureSize
	default:
		return 0
	}
}

// SigTlvType returns the TLV type this key's signatures are stored
// under (RSA2048_PSS, ECDSA256, or ED25519).
func (key *ImageSigKey) SigTlvType() uint8 {
	return key.sigTlvType()
}

func (key *ImageSigKey) sigTlvType() uint8 {
	key.assertValid()

	switch {
	case key.Rsa != nil:
		return IMAGE_TLV_RSA2048_PSS
	case key.Ec != nil:
		return IMAGE_TLV_ECDSA256
	case key.Ed != nil:
		return IMAGE_TLV_ED25519
	default:
		return 0
	}
}

func parseEncKeyPem(keyBytes []byte, plainSecret []byte) ([]byte, error) {
	b, _ := pem.Decode(keyBytes)
	if b == nil {
		return nil, nil
	}

	if b.Type != "PUBLIC KEY" && b.Type != "RSA PUBLIC KEY" {
		return nil, util.NewNewtError("invalid PEM file")
	}

	pub, err := x509.ParsePKIXPublicKey(b.Bytes)
	if err != nil {
		return nil, util.FmtNewtError(
			"error parsing pubkey file: %s", err.Error())
	}

	pubk, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, util.NewNewtError("error parsing pubkey file: not RSA")
	}

	cipherSecret, err := rsa.EncryptOAEP(
		sha256.New(), rand.Reader, pubk, plainSecret, nil)
	if err != nil {
		return nil, util.FmtNewtError(
			"error from encryption: %s", err.Error())
	}

	return cipherSecret, nil
}

func parseEncKeyBase64(keyBytes []byte, plainSecret []byte) ([]byte, error) {
	kek, err := base64.StdEncoding.DecodeString(string(keyBytes))
	if err != nil {
		return nil, util.FmtNewtError("error decoding kek: %s", err.Error())
	}
	if len(kek) != 16 {
		return nil, util.FmtNewtError(
			"unexpected key size: %d != 16", len(kek))
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, util.FmtNewtError(
			"error creating keywrap cipher: %s", err.Error())
	}

	cipherSecret, err := keywrap.Wrap(block, plainSecret)
	if err != nil {
		return nil, util.FmtNewtError("error key-wrapping: %s", err.Error())
	}

	return cipherSecret, nil
}

// ReadEncKey reads the device's content-key-wrapping key, either an
// RSA public key in PEM form (RSA-OAEP wrapping) or a base64-encoded
// raw AES key (AES-KW wrapping), and wraps plainSecret under it.
func ReadEncKey(filename string, plainSecret []byte) ([]byte, error) {
	keyBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, util.FmtNewtError(
			"error reading pubkey file: %s", err.Error())
	}

	cipherSecret, err := parseEncKeyPem(keyBytes, plainSecret)
	if err != nil {
		return nil, err
	}
	if cipherSecret != nil {
		return cipherSecret, nil
	}

	return parseEncKeyBase64(keyBytes, plainSecret)
}
