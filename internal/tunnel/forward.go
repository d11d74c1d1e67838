// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package tunnel

import (
	"github.com/sandia-minimega/vncmanager/internal/rfb"
)

// processClientMessage dispatches one client-to-server message, per §4.1.4.
// The message type byte has already been peeked and pushed back by the
// caller.
func (t *Tunnel) processClientMessage() error {
	msgType, err := t.client.RecvUint8()
	if err != nil {
		return err
	}

	switch msgType {
	case rfb.TypeSetPixelFormat:
		return t.processSetPixelFormat()
	case rfb.TypeSetEncodings:
		return t.processSetEncodings()
	case rfb.TypeFramebufferUpdateRequest:
		return t.forwardToServer(msgType, 9) // incremental(1) x(2) y(2) w(2) h(2)
	case rfb.TypeKeyEvent:
		return t.forwardToServer(msgType, 7) // down(1) pad(2) key(4)
	case rfb.TypePointerEvent:
		return t.forwardToServer(msgType, 5) // buttonMask(1) x(2) y(2)
	case rfb.TypeClientCutText:
		return t.processClientCutText()
	case rfb.TypeSetDesktopSize:
		return t.processSetDesktopSize()
	default:
		return rfb.NewProtocolError("unexpected client message type %d", msgType)
	}
}

// forwardToServer re-sends the already-consumed type byte, then relays n
// bytes of a fixed-length message body verbatim.
func (t *Tunnel) forwardToServer(msgType uint8, n int) error {
	if err := t.current.Stream.SendUint8(msgType); err != nil {
		return err
	}
	return t.client.ForwardDirectly(t.current.Stream, n)
}

func (t *Tunnel) processSetPixelFormat() error {
	var pad [3]byte
	if err := t.client.Recv(pad[:]); err != nil {
		return err
	}
	pf, err := t.client.RecvPixelFormat()
	if err != nil {
		return err
	}
	if !pf.Valid() {
		return rfb.NewProtocolError("invalid pixel format: %d bits per pixel", pf.BitsPerPixel)
	}
	t.pixelFormat = pf

	if err := t.current.Stream.Send([]byte{rfb.TypeSetPixelFormat}); err != nil {
		return err
	}
	if err := t.current.Stream.Send(pad[:]); err != nil {
		return err
	}
	return t.current.Stream.SendPixelFormat(pf)
}

// processSetEncodings parses the client's encoding list, keeps only the
// ones this proxy recognizes (optionally dropping Tight while a greeter is
// shown), always ensures DesktopName is present, and forwards the filtered
// list to the current back-end (§4.1.4's encoding filter rules).
func (t *Tunnel) processSetEncodings() error {
	var pad [1]byte
	if err := t.client.Recv(pad[:]); err != nil {
		return err
	}
	count, err := t.client.RecvUint16()
	if err != nil {
		return err
	}

	raw := make([]rfb.EncodingType, count)
	for i := range raw {
		v, err := t.client.RecvInt32()
		if err != nil {
			return err
		}
		raw[i] = rfb.EncodingType(v)
	}

	t.clientSupportedEncodings = map[rfb.EncodingType]bool{}
	for _, e := range raw {
		if isAcceptedEncoding(e) {
			t.clientSupportedEncodings[e] = true
		}
	}

	t.serverSelectedEncodings = buildServerSelectedEncodings(raw, t.tightEncodingDisabled)

	if err := t.current.SendSetEncodings(t.serverSelectedEncodings); err != nil {
		return err
	}
	return nil
}

// isAcceptedEncoding reports whether e is one this proxy understands well
// enough to relay, per the list in §4.1.4.
func isAcceptedEncoding(e rfb.EncodingType) bool {
	switch e {
	case rfb.EncodingRaw, rfb.EncodingCopyRect, rfb.EncodingRRE,
		rfb.EncodingDesktopSize, rfb.EncodingLastRect, rfb.EncodingCursor,
		rfb.EncodingXCursor, rfb.EncodingDesktopName, rfb.EncodingExtendedDesktopSize,
		rfb.EncodingTight:
		return true
	}
	return rfb.IsJpegQuality(e)
}

// buildServerSelectedEncodings keeps the client's accepted encodings in
// its own order, drops Tight when disabled, and appends DesktopName if the
// client didn't already ask for it.
func buildServerSelectedEncodings(clientList []rfb.EncodingType, tightDisabled bool) []rfb.EncodingType {
	var out []rfb.EncodingType
	haveDesktopName := false

	for _, e := range clientList {
		if !isAcceptedEncoding(e) {
			continue
		}
		if e == rfb.EncodingTight && tightDisabled {
			continue
		}
		if e == rfb.EncodingDesktopName {
			haveDesktopName = true
		}
		out = append(out, e)
	}

	if !haveDesktopName {
		out = append(out, rfb.EncodingDesktopName)
	}
	return out
}

func (t *Tunnel) processClientCutText() error {
	var pad [3]byte
	if err := t.client.Recv(pad[:]); err != nil {
		return err
	}
	length, err := t.client.RecvUint32()
	if err != nil {
		return err
	}

	if err := t.current.Stream.Send([]byte{rfb.TypeClientCutText}); err != nil {
		return err
	}
	if err := t.current.Stream.Send(pad[:]); err != nil {
		return err
	}
	if err := t.current.Stream.SendUint32(length); err != nil {
		return err
	}
	return t.client.ForwardDirectly(t.current.Stream, int(length))
}

func (t *Tunnel) processSetDesktopSize() error {
	var pad [1]byte
	if err := t.client.Recv(pad[:]); err != nil {
		return err
	}
	width, err := t.client.RecvUint16()
	if err != nil {
		return err
	}
	height, err := t.client.RecvUint16()
	if err != nil {
		return err
	}
	numScreens, err := t.client.RecvUint8()
	if err != nil {
		return err
	}
	var pad2 [1]byte
	if err := t.client.Recv(pad2[:]); err != nil {
		return err
	}

	if err := t.current.Stream.Send([]byte{rfb.TypeSetDesktopSize}); err != nil {
		return err
	}
	if err := t.current.Stream.Send(pad[:]); err != nil {
		return err
	}
	if err := t.current.Stream.SendUint16(width); err != nil {
		return err
	}
	if err := t.current.Stream.SendUint16(height); err != nil {
		return err
	}
	if err := t.current.Stream.SendUint8(numScreens); err != nil {
		return err
	}
	if err := t.current.Stream.Send(pad2[:]); err != nil {
		return err
	}

	const screenSize = 16 // id(4) x(2) y(2) w(2) h(2) flags(4)
	return t.client.ForwardDirectly(t.current.Stream, int(numScreens)*screenSize)
}

// processServerMessage dispatches one server-to-client message, per
// §4.1.5.
func (t *Tunnel) processServerMessage() error {
	msgType, err := t.current.Stream.RecvUint8()
	if err != nil {
		return err
	}

	switch msgType {
	case rfb.TypeFramebufferUpdate:
		return t.processFramebufferUpdate()
	case rfb.TypeSetColourMapEntries:
		return t.processSetColourMapEntries()
	case rfb.TypeBell:
		return t.client.Send([]byte{rfb.TypeBell})
	case rfb.TypeServerCutText:
		return t.processServerCutText()
	default:
		return rfb.NewProtocolError("unexpected server message type %d", msgType)
	}
}

func (t *Tunnel) processSetColourMapEntries() error {
	var pad [1]byte
	if err := t.current.Stream.Recv(pad[:]); err != nil {
		return err
	}
	first, err := t.current.Stream.RecvUint16()
	if err != nil {
		return err
	}
	count, err := t.current.Stream.RecvUint16()
	if err != nil {
		return err
	}

	if err := t.client.Send([]byte{rfb.TypeSetColourMapEntries}); err != nil {
		return err
	}
	if err := t.client.Send(pad[:]); err != nil {
		return err
	}
	if err := t.client.SendUint16(first); err != nil {
		return err
	}
	if err := t.client.SendUint16(count); err != nil {
		return err
	}
	return t.current.Stream.ForwardDirectly(t.client, int(count)*6)
}

func (t *Tunnel) processServerCutText() error {
	var pad [3]byte
	if err := t.current.Stream.Recv(pad[:]); err != nil {
		return err
	}
	length, err := t.current.Stream.RecvUint32()
	if err != nil {
		return err
	}

	if err := t.client.Send([]byte{rfb.TypeServerCutText}); err != nil {
		return err
	}
	if err := t.client.Send(pad[:]); err != nil {
		return err
	}
	if err := t.client.SendUint32(length); err != nil {
		return err
	}
	return t.current.Stream.ForwardDirectly(t.client, int(length))
}

// rectangleByteLength computes the payload length following a rectangle
// header for the fixed-formula encodings of §4.1.5's table. Tight and RRE
// (which read their own length-bearing fields) aren't covered here.
func rectangleByteLength(encoding rfb.EncodingType, w, h uint16, bpp uint8) (int, bool) {
	bytesPerPixel := int(bpp) / 8
	switch encoding {
	case rfb.EncodingRaw:
		return int(w) * int(h) * bytesPerPixel, true
	case rfb.EncodingCopyRect:
		return 4, true
	case rfb.EncodingCursor:
		return int(w)*int(h)*bytesPerPixel + ceilDiv(int(w), 8)*int(h), true
	case rfb.EncodingXCursor:
		return 6 + ceilDiv(int(w), 8)*int(h)*2, true
	default:
		return 0, false
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
