// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package backend

import "crypto/des"

// vncAuthKey turns password into the 8-byte DES key VncAuth uses: password
// bytes (null-padded/truncated to 8) with the bit order of each byte
// reversed. Grounded on
// other_examples/0x00dec0de-vkvm__handshake.go's ClientAuthTypeVNC.Handler,
// which documents this exact bit-reversal trick.
func vncAuthKey(password string) [8]byte {
	var key [8]byte
	for i := range key {
		if i < len(password) {
			key[i] = reverseBits(password[i])
		}
	}
	return key
}

func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r <<= 1
		r |= b & 1
		b >>= 1
	}
	return r
}

// vncAuthResponse encrypts a 16-byte VncAuth challenge with DES-ECB under
// key, one 8-byte block at a time (crypto/des only exposes single-block
// ECB via Cipher.Encrypt, so each half is run through it independently,
// same as the two gnutls_cipher_init calls in
// original_source/XvncConnection.cpp's handleVncAuthSecurityWithPassword).
func vncAuthResponse(key [8]byte, challenge [16]byte) ([16]byte, error) {
	block, err := des.NewCipher(key[:])
	if err != nil {
		return [16]byte{}, err
	}

	var response [16]byte
	block.Encrypt(response[0:8], challenge[0:8])
	block.Encrypt(response[8:16], challenge[8:16])
	return response, nil
}
