package backend

import "testing"

func TestVncAuthKeyPadsAndTruncates(t *testing.T) {
	short := vncAuthKey("ab")
	if short[2] != 0 {
		t.Errorf("expected null padding after short password")
	}

	long := vncAuthKey("123456789")
	truncated := vncAuthKey("12345678")
	if long != truncated {
		t.Errorf("password beyond 8 bytes must be ignored")
	}
}

func TestReverseBits(t *testing.T) {
	cases := map[byte]byte{
		0x00: 0x00,
		0xFF: 0xFF,
		0x01: 0x80,
		0x80: 0x01,
		0x0F: 0xF0,
	}
	for in, want := range cases {
		if got := reverseBits(in); got != want {
			t.Errorf("reverseBits(%#x) = %#x, want %#x", in, got, want)
		}
	}
}

func TestVncAuthResponseRoundTrips(t *testing.T) {
	key := vncAuthKey("hunter2")
	challenge := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	r1, err := vncAuthResponse(key, challenge)
	if err != nil {
		t.Fatalf("vncAuthResponse: %v", err)
	}
	r2, err := vncAuthResponse(key, challenge)
	if err != nil {
		t.Fatalf("vncAuthResponse: %v", err)
	}
	if r1 != r2 {
		t.Errorf("expected deterministic response for identical inputs")
	}
	if r1 == challenge {
		t.Errorf("response must not equal the plaintext challenge")
	}
}

func TestVncAuthResponseDiffersByKey(t *testing.T) {
	challenge := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	r1, err := vncAuthResponse(vncAuthKey("passwd1"), challenge)
	if err != nil {
		t.Fatalf("vncAuthResponse: %v", err)
	}
	r2, err := vncAuthResponse(vncAuthKey("passwd2"), challenge)
	if err != nil {
		t.Fatalf("vncAuthResponse: %v", err)
	}
	if r1 == r2 {
		t.Errorf("different passwords must produce different responses")
	}
}
