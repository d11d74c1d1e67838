// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package rfb holds the fixed-layout RFB 3.8 wire structures and the
// constants needed to speak the protocol, both as an RFB server (towards
// the client) and as an RFB client (towards a back-end). Every multi-byte
// field is network byte order; see original_source/rfb.h for the C++
// layouts this is a byte-for-byte port of.
package rfb

// VersionString is the only protocol version this proxy speaks.
const VersionString = "RFB 003.008\n"

// VersionStringLength is the fixed length of the RFB version handshake line.
const VersionStringLength = 12

// Client-to-server message types. See RFC 6143 Section 7.5.
const (
	TypeSetPixelFormat           uint8 = 0
	TypeSetEncodings             uint8 = 2
	TypeFramebufferUpdateRequest uint8 = 3
	TypeKeyEvent                 uint8 = 4
	TypePointerEvent             uint8 = 5
	TypeClientCutText            uint8 = 6
	TypeSetDesktopSize           uint8 = 251
)

// Server-to-client message types. See RFC 6143 Section 7.6.
const (
	TypeFramebufferUpdate   uint8 = 0
	TypeSetColourMapEntries uint8 = 1
	TypeBell                uint8 = 2
	TypeServerCutText       uint8 = 3
)

// Security types this proxy understands.
const (
	SecurityInvalid  uint8 = 0
	SecurityNone     uint8 = 1
	SecurityVncAuth  uint8 = 2
	SecurityVeNCrypt uint8 = 19
)

// SecurityResult values, sent after security negotiation completes.
const (
	SecurityResultOK     uint32 = 0
	SecurityResultFailed uint32 = 1
)

// VeNCryptSubtype identifies a VeNCrypt sub-negotiation. Only the subtypes
// this proxy actually offers or accepts are named.
type VeNCryptSubtype uint32

const (
	VeNCryptInvalid  VeNCryptSubtype = 0
	VeNCryptNone     VeNCryptSubtype = 1
	VeNCryptVncAuth  VeNCryptSubtype = 2
	VeNCryptPlain    VeNCryptSubtype = 256
	VeNCryptTLSNone  VeNCryptSubtype = 257
	VeNCryptX509None VeNCryptSubtype = 260
)

// EncodingType enumerates the encodings and pseudo-encodings this proxy
// recognizes. Anything else appearing in a client SetEncodings list is
// simply not forwarded to the back-end; anything else appearing in a
// server rectangle is a protocol error (§4.1.5).
type EncodingType int32

const (
	EncodingRaw      EncodingType = 0
	EncodingCopyRect EncodingType = 1
	EncodingRRE      EncodingType = 2
	EncodingTight    EncodingType = 7

	EncodingJpegQualityLowest  EncodingType = -32
	EncodingJpegQualityHighest EncodingType = -23

	EncodingDesktopSize         EncodingType = -223
	EncodingLastRect            EncodingType = -224
	EncodingCursor              EncodingType = -239
	EncodingXCursor             EncodingType = -240
	EncodingDesktopName         EncodingType = -307
	EncodingExtendedDesktopSize EncodingType = -308
)

// IsJpegQuality reports whether e falls in the JPEG-quality pseudo-encoding
// range [-32, -23].
func IsJpegQuality(e EncodingType) bool {
	return e >= EncodingJpegQualityLowest && e <= EncodingJpegQualityHighest
}

// ExtendedDesktopSize status codes carried in the y field of that rectangle.
const (
	ExtendedDesktopSizeNoError             uint16 = 0
	ExtendedDesktopSizeResizeProhibited    uint16 = 1
	ExtendedDesktopSizeOutOfResources      uint16 = 2
	ExtendedDesktopSizeInvalidScreenLayout uint16 = 3
)

// PixelFormat mirrors RFC 6143 Section 7.4.
type PixelFormat struct {
	BitsPerPixel   uint8
	Depth          uint8
	BigEndianFlag  uint8
	TrueColourFlag uint8
	RedMax         uint16
	GreenMax       uint16
	BlueMax        uint16
	RedShift       uint8
	GreenShift     uint8
	BlueShift      uint8
	_              [3]byte // padding
}

// Valid reports whether the format's bits-per-pixel is one this proxy
// (and every VNC server it fronts) accepts.
func (p PixelFormat) Valid() bool {
	switch p.BitsPerPixel {
	case 8, 16, 24, 32:
		return true
	}
	return false
}

// ClientInit is the fixed one-byte message the client sends right after
// the security handshake completes.
type ClientInit struct {
	Shared uint8
}

// ServerInitHeader is ServerInit without its variable-length name; callers
// read NameLength bytes of name separately.
type ServerInitHeader struct {
	FramebufferWidth  uint16
	FramebufferHeight uint16
	PixelFormat       PixelFormat
	NameLength        uint32
}

// SetPixelFormat is the client-to-server SetPixelFormat message body,
// following the one-byte type.
type SetPixelFormat struct {
	_           [3]byte // padding
	PixelFormat PixelFormat
}

// SetEncodingsHeader is SetEncodings without its trailing []int32 list.
type SetEncodingsHeader struct {
	_                 [1]byte // padding
	NumberOfEncodings uint16
}

// FramebufferUpdateRequest is a client request for a (possibly incremental)
// update of a rectangular region.
type FramebufferUpdateRequest struct {
	Incremental uint8
	X           uint16
	Y           uint16
	Width       uint16
	Height      uint16
}

// KeyEvent is a client key press/release event.
type KeyEvent struct {
	DownFlag uint8
	_        [2]byte // padding
	Key      uint32
}

// PointerEvent is a client pointer motion/button event.
type PointerEvent struct {
	ButtonMask uint8
	X          uint16
	Y          uint16
}

// ClientCutTextHeader is ClientCutText without its trailing text.
type ClientCutTextHeader struct {
	_      [3]byte // padding
	Length uint32
}

// SetDesktopSizeHeader is the fixed portion of the ExtendedDesktopSize
// client request, followed by NumberOfScreens Screen entries.
type SetDesktopSizeHeader struct {
	_               [1]byte
	Width           uint16
	Height          uint16
	NumberOfScreens uint8
	_2              [1]byte
}

// Screen is one entry of a SetDesktopSize / ExtendedDesktopSize screen list.
type Screen struct {
	ID     uint32
	X      uint16
	Y      uint16
	Width  uint16
	Height uint16
	Flags  uint32
}

// FramebufferUpdateHeader is the server-to-client FramebufferUpdate message
// without its trailing rectangles.
type FramebufferUpdateHeader struct {
	_                 [1]byte
	NumberOfRectangles uint16
}

// RectangleHeader precedes every rectangle's encoding-specific payload.
type RectangleHeader struct {
	X            uint16
	Y            uint16
	Width        uint16
	Height       uint16
	EncodingType EncodingType
}

// ExtendedDesktopSizeRectData is the fixed header of an ExtendedDesktopSize
// rectangle payload, followed by NumberOfScreens Screen entries.
type ExtendedDesktopSizeRectData struct {
	NumberOfScreens uint8
	_               [3]byte
}

// SetColourMapEntriesHeader is SetColourMapEntries without its trailing
// color list.
type SetColourMapEntriesHeader struct {
	_               [1]byte
	FirstColour     uint16
	NumberOfColours uint16
}

// Colour is one RGB triple in a SetColourMapEntries list.
type Colour struct {
	R, G, B uint16
}

// ServerCutTextHeader is ServerCutText without its trailing text.
type ServerCutTextHeader struct {
	_      [3]byte
	Length uint32
}

// VeNCryptVersion is the fixed 0.2 handshake exchanged before VeNCrypt
// subtype negotiation.
type VeNCryptVersion struct {
	Major uint8
	Minor uint8
}

// VeNCryptPlainHeader precedes the username+password bytes of a Plain
// sub-negotiation.
type VeNCryptPlainHeader struct {
	UsernameLength uint32
	PasswordLength uint32
}

// ControllerKeyPrefix is the desktop-name prefix a back-end uses to publish
// a one-time controller approval key (§4.3.2).
const ControllerKeyPrefix = "CONTROLLER_KEY:"
