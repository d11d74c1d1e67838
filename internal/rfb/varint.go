// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package rfb

// RecvTightLength reads the Tight encoding's variable-length integer:
// little-endian, 7 bits per byte, up to 3 bytes (21 bits total), with the
// top bit of each byte marking continuation (spec.md §4.7.1).
func (s *Stream) RecvTightLength() (int, error) {
	var value int
	for i := 0; i < 3; i++ {
		b, err := s.RecvByte()
		if err != nil {
			return 0, err
		}
		value |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return value, nil
		}
	}
	return value, nil
}

// SendTightLength writes n using the same variable-length encoding.
func (s *Stream) SendTightLength(n int) error {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		if err := s.SendUint8(b); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
