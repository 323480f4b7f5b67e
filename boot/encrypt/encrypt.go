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

// Package encrypt implements the EncryptionCore spec.md §4.4
// describes: unwrap the per-image content-encryption key carried in
// the image's ENC_RSA/ENC_KW TLV using the device's own private
// unwrapping key, then run the resulting raw AES-128 key through the
// same CTR-mode keystream artifact/sec and artifact/image's creator
// use, so swap/copy operations can decrypt a slot in place one
// aligned chunk at a time.
package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"

	keywrap "github.com/NickBall/go-aes-key-wrap"

	"mynewt.apache.org/mcuboot/util"
)

// UnwrapRsa recovers the raw content-encryption key from an
// RSA-OAEP-wrapped ENC_RSA TLV using the device's private unwrapping
// key.
func UnwrapRsa(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, util.FmtNewtError("failed to unwrap RSA-wrapped key: %s", err.Error())
	}
	return key, nil
}

// UnwrapAesKw recovers the raw content-encryption key from an
// AES-KW-wrapped ENC_KW TLV using the device's 16-byte key-encryption
// key.
func UnwrapAesKw(kek []byte, wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, util.ChildNewtError(err)
	}
	key, err := keywrap.Unwrap(block, wrapped)
	if err != nil {
		return nil, util.FmtNewtError("failed to unwrap AES-KW key: %s", err.Error())
	}
	return key, nil
}

// Stream opens a CTR-mode keystream for the already-unwrapped,
// 16-byte content-encryption key. Both encrypting (at image creation)
// and decrypting (at swap time) use the same keystream operation: CTR
// mode is its own inverse.
func Stream(contentKey []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, util.NewNewtError("failed to create block cipher")
	}
	nonce := make([]byte, aes.BlockSize)
	return cipher.NewCTR(block, nonce), nil
}

// Crypt XORs plain against the keystream starting at the given byte
// offset into the body. Offset matters because the swap engine
// processes a slot sector-by-sector rather than as one pass: the CTR
// counter must be advanced to the right position for each sector
// rather than restarted at zero.
func Crypt(contentKey []byte, offset int, plain []byte) ([]byte, error) {
	stream, err := Stream(contentKey)
	if err != nil {
		return nil, err
	}

	// Discard offset bytes of keystream so the cipher's internal
	// counter lines up with this chunk's position in the body.
	discard := make([]byte, offset)
	stream.XORKeyStream(discard, discard)

	out := make([]byte, len(plain))
	stream.XORKeyStream(out, plain)
	return out, nil
}
