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

package encrypt_test

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	keywrap "github.com/NickBall/go-aes-key-wrap"

	"mynewt.apache.org/mcuboot/boot/encrypt"
)

func newAesBlockForWrap(kek []byte) (cipher.Block, error) {
	return aes.NewCipher(kek)
}

func rsaOaepWrap(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
}

func TestCryptRoundTrips(t *testing.T) {
	key := make([]byte, 16)
	plain := []byte("the quick brown fox jumps over the lazy dog....")

	cipherText, err := encrypt.Crypt(key, 0, plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(cipherText, plain) {
		t.Fatal("ciphertext must differ from plaintext")
	}

	roundTrip, err := encrypt.Crypt(key, 0, cipherText)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(roundTrip, plain) {
		t.Fatalf("got %q, want %q", roundTrip, plain)
	}
}

func TestCryptAtOffsetMatchesWholeStream(t *testing.T) {
	key := make([]byte, 16)
	plain := make([]byte, 64)
	for i := range plain {
		plain[i] = byte(i)
	}

	whole, err := encrypt.Crypt(key, 0, plain)
	if err != nil {
		t.Fatal(err)
	}

	const split = 32
	tail, err := encrypt.Crypt(key, split, plain[split:])
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(whole[split:], tail) {
		t.Fatal("encrypting from a byte offset must match the corresponding slice of the whole stream")
	}
}

func TestUnwrapAesKw(t *testing.T) {
	kek := make([]byte, 16)
	contentKey := make([]byte, 16)
	for i := range contentKey {
		contentKey[i] = byte(i + 1)
	}

	block, err := newAesBlockForWrap(kek)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := keywrap.Wrap(block, contentKey)
	if err != nil {
		t.Fatal(err)
	}

	got, err := encrypt.UnwrapAesKw(kek, wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, contentKey) {
		t.Fatalf("got %x, want %x", got, contentKey)
	}
}

func TestUnwrapRsa(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	contentKey := make([]byte, 16)
	for i := range contentKey {
		contentKey[i] = byte(i + 2)
	}

	wrapped, err := rsaOaepWrap(&priv.PublicKey, contentKey)
	if err != nil {
		t.Fatal(err)
	}

	got, err := encrypt.UnwrapRsa(priv, wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, contentKey) {
		t.Fatalf("got %x, want %x", got, contentKey)
	}
}
