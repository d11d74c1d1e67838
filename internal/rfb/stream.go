// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package rfb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrEndOfStream is returned in place of io.EOF so callers can distinguish
// "peer closed cleanly" from other I/O failures without inspecting error
// text, per spec.md §7.
var ErrEndOfStream = errors.New("rfb: end of stream")

// ErrPushBackFull is returned by Stream.Unread when a byte is already
// pending; the push-back buffer is one byte deep by design (spec.md §9).
var ErrPushBackFull = errors.New("rfb: push-back buffer already full")

// Stream wraps a net.Conn-like byte channel with a one-byte push-back
// buffer, so a dispatcher can peek a message type and re-feed it to the
// type-specific parser (spec.md §4.7). Conn satisfies io.ReadWriteCloser;
// Stream never assumes more than that, so the same type wraps both a raw
// TCP/unix socket and a TLS session (internal/tlsutil).
type Stream struct {
	Conn io.ReadWriteCloser

	pending byte
	hasByte bool
}

// NewStream wraps conn in a Stream.
func NewStream(conn io.ReadWriteCloser) *Stream {
	return &Stream{Conn: conn}
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.Conn.Close()
}

// Unread pushes one byte back so the next Recv returns it first. Only one
// byte of push-back is supported.
func (s *Stream) Unread(b byte) error {
	if s.hasByte {
		return ErrPushBackFull
	}
	s.pending = b
	s.hasByte = true
	return nil
}

// Recv reads exactly len(buf) bytes, satisfying push-back first.
func (s *Stream) Recv(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	n := 0
	if s.hasByte {
		buf[0] = s.pending
		s.hasByte = false
		n = 1
	}

	if n < len(buf) {
		if _, err := io.ReadFull(s.Conn, buf[n:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrEndOfStream
			}
			return err
		}
	}
	return nil
}

// RecvByte reads and returns a single byte.
func (s *Stream) RecvByte() (byte, error) {
	var buf [1]byte
	if err := s.Recv(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Send writes buf in full.
func (s *Stream) Send(buf []byte) error {
	_, err := s.Conn.Write(buf)
	return err
}

// Forward reads n bytes into a fresh buffer and returns it, without
// forwarding it anywhere itself; callers that need to relay bytes without
// inspecting them should prefer ForwardDirectly.
func (s *Stream) Forward(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := s.Recv(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ForwardDirectly pumps exactly n bytes from s to dst via a scratch buffer,
// without exposing them to the caller. Used for opaque payload relay (pixel
// data, cut-text blobs) where the proxy only needs to know the length.
func (s *Stream) ForwardDirectly(dst *Stream, n int) error {
	const chunk = 32 * 1024

	buf := make([]byte, chunk)
	for n > 0 {
		want := chunk
		if n < want {
			want = n
		}
		if err := s.Recv(buf[:want]); err != nil {
			return err
		}
		if err := dst.Send(buf[:want]); err != nil {
			return err
		}
		n -= want
	}
	return nil
}

// RecvUint8 reads a single uint8.
func (s *Stream) RecvUint8() (uint8, error) {
	b, err := s.RecvByte()
	return b, err
}

// RecvUint16 reads a big-endian uint16.
func (s *Stream) RecvUint16() (uint16, error) {
	var buf [2]byte
	if err := s.Recv(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// RecvUint32 reads a big-endian uint32.
func (s *Stream) RecvUint32() (uint32, error) {
	var buf [4]byte
	if err := s.Recv(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// RecvInt32 reads a big-endian int32.
func (s *Stream) RecvInt32() (int32, error) {
	v, err := s.RecvUint32()
	return int32(v), err
}

// SendUint8 writes a single uint8.
func (s *Stream) SendUint8(v uint8) error {
	return s.Send([]byte{v})
}

// SendUint16 writes a big-endian uint16.
func (s *Stream) SendUint16(v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return s.Send(buf[:])
}

// SendUint32 writes a big-endian uint32.
func (s *Stream) SendUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return s.Send(buf[:])
}

// SendInt32 writes a big-endian int32.
func (s *Stream) SendInt32(v int32) error {
	return s.SendUint32(uint32(v))
}

// RecvPixelFormat reads a PixelFormat structure, applying ntoh to its
// multi-byte fields.
func (s *Stream) RecvPixelFormat() (PixelFormat, error) {
	var buf [16]byte
	if err := s.Recv(buf[:]); err != nil {
		return PixelFormat{}, err
	}
	pf := PixelFormat{
		BitsPerPixel:   buf[0],
		Depth:          buf[1],
		BigEndianFlag:  buf[2],
		TrueColourFlag: buf[3],
		RedMax:         binary.BigEndian.Uint16(buf[4:6]),
		GreenMax:       binary.BigEndian.Uint16(buf[6:8]),
		BlueMax:        binary.BigEndian.Uint16(buf[8:10]),
		RedShift:       buf[10],
		GreenShift:     buf[11],
		BlueShift:      buf[12],
	}
	return pf, nil
}

// SendPixelFormat writes a PixelFormat structure, applying hton.
func (s *Stream) SendPixelFormat(pf PixelFormat) error {
	var buf [16]byte
	buf[0] = pf.BitsPerPixel
	buf[1] = pf.Depth
	buf[2] = pf.BigEndianFlag
	buf[3] = pf.TrueColourFlag
	binary.BigEndian.PutUint16(buf[4:6], pf.RedMax)
	binary.BigEndian.PutUint16(buf[6:8], pf.GreenMax)
	binary.BigEndian.PutUint16(buf[8:10], pf.BlueMax)
	buf[10] = pf.RedShift
	buf[11] = pf.GreenShift
	buf[12] = pf.BlueShift
	return s.Send(buf[:])
}

// RecvRectangleHeader reads the 12-byte (x,y,w,h,encoding) rectangle header.
func (s *Stream) RecvRectangleHeader() (RectangleHeader, error) {
	var buf [12]byte
	if err := s.Recv(buf[:]); err != nil {
		return RectangleHeader{}, err
	}
	return RectangleHeader{
		X:            binary.BigEndian.Uint16(buf[0:2]),
		Y:            binary.BigEndian.Uint16(buf[2:4]),
		Width:        binary.BigEndian.Uint16(buf[4:6]),
		Height:       binary.BigEndian.Uint16(buf[6:8]),
		EncodingType: EncodingType(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}

// SendRectangleHeader writes a rectangle header.
func (s *Stream) SendRectangleHeader(h RectangleHeader) error {
	var buf [12]byte
	binary.BigEndian.PutUint16(buf[0:2], h.X)
	binary.BigEndian.PutUint16(buf[2:4], h.Y)
	binary.BigEndian.PutUint16(buf[4:6], h.Width)
	binary.BigEndian.PutUint16(buf[6:8], h.Height)
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.EncodingType))
	return s.Send(buf[:])
}

// RecvServerInitHeader reads ServerInitHeader (everything before the
// variable-length name).
func (s *Stream) RecvServerInitHeader() (ServerInitHeader, error) {
	w, err := s.RecvUint16()
	if err != nil {
		return ServerInitHeader{}, err
	}
	h, err := s.RecvUint16()
	if err != nil {
		return ServerInitHeader{}, err
	}
	pf, err := s.RecvPixelFormat()
	if err != nil {
		return ServerInitHeader{}, err
	}
	nameLen, err := s.RecvUint32()
	if err != nil {
		return ServerInitHeader{}, err
	}
	return ServerInitHeader{
		FramebufferWidth:  w,
		FramebufferHeight: h,
		PixelFormat:       pf,
		NameLength:        nameLen,
	}, nil
}

// SendServerInitHeader writes ServerInitHeader.
func (s *Stream) SendServerInitHeader(h ServerInitHeader) error {
	if err := s.SendUint16(h.FramebufferWidth); err != nil {
		return err
	}
	if err := s.SendUint16(h.FramebufferHeight); err != nil {
		return err
	}
	if err := s.SendPixelFormat(h.PixelFormat); err != nil {
		return err
	}
	return s.SendUint32(h.NameLength)
}

// ProtocolError signals a violation of the RFB wire format; fatal to the
// side that observed it (spec.md §7).
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rfb protocol error: %s", e.Msg)
}

// NewProtocolError builds a ProtocolError from a format string.
func NewProtocolError(format string, args ...interface{}) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}
