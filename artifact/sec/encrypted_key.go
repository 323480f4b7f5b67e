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

package sec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"hash"

	"golang.org/x/crypto/pbkdf2"

	"mynewt.apache.org/mcuboot/util"
)

// KeyPassword is the passphrase used to decrypt a PKCS#8
// "ENCRYPTED PRIVATE KEY" PEM block. Set by the CLI (or tests) before
// calling ParsePrivateKey / BuildPrivateKey against a protected key.
var KeyPassword []byte

// This is the part of the teacher's key-loading path that the
// retrieved source references (`parseEncryptedPrivateKey`) but never
// defines; the function is authored here from the PKCS#5 v2.0 /
// PKCS#8 standard (RFC 8018), covering the PBES2(PBKDF2, AES-CBC)
// combination every common OpenSSL-generated encrypted key uses.

var (
	oidPBES2    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}
	oidPBKDF2   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}
	oidHMACSHA1 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 7}

	oidAES128CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAES192CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 22}
	oidAES256CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
)

type encryptedPrivateKeyInfo struct {
	Algo          pkixAlgorithmIdentifier
	EncryptedData []byte
}

type pkixAlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type pbes2Params struct {
	KeyDerivationFunc pkixAlgorithmIdentifier
	EncryptionScheme  pkixAlgorithmIdentifier
}

type pbkdf2Params struct {
	Salt           []byte
	IterationCount int
	// PRF defaults to HMAC-SHA1 when absent, per RFC 8018 §5.2.
	PRF pkixAlgorithmIdentifier `asn1:"optional"`
}

func pbkdf2Hash(oid asn1.ObjectIdentifier) (func() hash.Hash, error) {
	if len(oid) == 0 || oid.Equal(oidHMACSHA1) {
		return sha1.New, nil
	}
	return nil, util.FmtNewtError(
		"unsupported PBKDF2 pseudorandom function: %v", oid)
}

func aesKeySize(oid asn1.ObjectIdentifier) (int, error) {
	switch {
	case oid.Equal(oidAES128CBC):
		return 16, nil
	case oid.Equal(oidAES192CBC):
		return 24, nil
	case oid.Equal(oidAES256CBC):
		return 32, nil
	default:
		return 0, util.FmtNewtError(
			"unsupported PBES2 encryption scheme: %v", oid)
	}
}

// ParseEncryptedPrivateKey decrypts a PKCS#8 EncryptedPrivateKeyInfo
// DER blob using KeyPassword, then parses the resulting PKCS#8 key.
func ParseEncryptedPrivateKey(der []byte) (interface{}, error) {
	if len(KeyPassword) == 0 {
		return nil, util.NewNewtError(
			"encrypted private key requires sec.KeyPassword to be set")
	}

	var info encryptedPrivateKeyInfo
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, util.FmtNewtError(
			"error parsing EncryptedPrivateKeyInfo: %s", err.Error())
	}

	if !info.Algo.Algorithm.Equal(oidPBES2) {
		return nil, util.FmtNewtError(
			"unsupported private key encryption scheme: %v",
			info.Algo.Algorithm)
	}

	var params pbes2Params
	if _, err := asn1.Unmarshal(info.Algo.Parameters.FullBytes, &params); err != nil {
		return nil, util.FmtNewtError("error parsing PBES2 params: %s", err.Error())
	}

	if !params.KeyDerivationFunc.Algorithm.Equal(oidPBKDF2) {
		return nil, util.FmtNewtError(
			"unsupported key derivation function: %v",
			params.KeyDerivationFunc.Algorithm)
	}

	var kdfParams pbkdf2Params
	if _, err := asn1.Unmarshal(
		params.KeyDerivationFunc.Parameters.FullBytes, &kdfParams); err != nil {
		return nil, util.FmtNewtError("error parsing PBKDF2 params: %s", err.Error())
	}

	prf, err := pbkdf2Hash(kdfParams.PRF.Algorithm)
	if err != nil {
		return nil, err
	}

	keyLen, err := aesKeySize(params.EncryptionScheme.Algorithm)
	if err != nil {
		return nil, err
	}

	var iv []byte
	if _, err := asn1.Unmarshal(
		params.EncryptionScheme.Parameters.FullBytes, &iv); err != nil {
		return nil, util.FmtNewtError("error parsing AES-CBC IV: %s", err.Error())
	}

	key := pbkdf2.Key(KeyPassword, kdfParams.Salt, kdfParams.IterationCount,
		keyLen, prf)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, util.ChildNewtError(err)
	}
	if len(info.EncryptedData)%block.BlockSize() != 0 {
		return nil, util.NewNewtError(
			"encrypted private key is not a multiple of the AES block size")
	}

	plain := make([]byte, len(info.EncryptedData))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, info.EncryptedData)

	// Strip PKCS#7 padding.
	if len(plain) == 0 {
		return nil, util.NewNewtError("decrypted private key is empty")
	}
	padLen := int(plain[len(plain)-1])
	if padLen == 0 || padLen > block.BlockSize() || padLen > len(plain) {
		return nil, util.NewNewtError(
			"wrong password or corrupt encrypted private key")
	}
	plain = plain[:len(plain)-padLen]

	privKey, err := x509.ParsePKCS8PrivateKey(plain)
	if err != nil {
		if k, edErr := ParseEd25519Pkcs8(plain); edErr == nil {
			return k, nil
		}
		return nil, util.FmtNewtError(
			"wrong password or corrupt encrypted private key: %s", err.Error())
	}

	return privKey, nil
}
