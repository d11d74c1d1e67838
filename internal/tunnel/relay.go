// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package tunnel

import (
	"github.com/sandia-minimega/vncmanager/internal/rfb"
)

// processFramebufferUpdate implements §4.1.5's FramebufferUpdate handling:
// compute the true rectangle count, decide between direct and LastRect
// framing, emit any queued synthetic rectangles first, then relay each
// real rectangle by encoding.
func (t *Tunnel) processFramebufferUpdate() error {
	var pad [1]byte
	if err := t.current.Stream.Recv(pad[:]); err != nil {
		return err
	}
	n, err := t.current.Stream.RecvUint16()
	if err != nil {
		return err
	}

	extra := 0
	sendDesktopName := t.desktopNameChangeQueued && t.clientSupportsEncoding(rfb.EncodingDesktopName)
	if sendDesktopName {
		extra = 1
	}

	total := int(n) + extra
	lastRectMode := false
	switch {
	case total <= 65535:
		if err := t.sendFramebufferUpdateHeader(uint16(total)); err != nil {
			return err
		}
	case t.clientSupportsEncoding(rfb.EncodingLastRect):
		lastRectMode = true
		if err := t.sendFramebufferUpdateHeader(65535); err != nil {
			return err
		}
	default:
		return rfb.NewProtocolError("too many rectangles (%d) and client lacks LastRect", total)
	}

	if sendDesktopName {
		if err := t.sendDesktopNameRectangle(t.sess.DesktopName()); err != nil {
			return err
		}
		t.desktopNameChangeQueued = false
	}

	sawLastRect := false
	for i := 0; i < int(n); i++ {
		isLastRect, err := t.relayRectangle(lastRectMode)
		if err != nil {
			return err
		}
		if isLastRect {
			sawLastRect = true
			break
		}
	}

	if lastRectMode && !sawLastRect {
		return t.sendLastRectRectangle()
	}
	return nil
}

func (t *Tunnel) sendFramebufferUpdateHeader(count uint16) error {
	if err := t.client.SendUint8(rfb.TypeFramebufferUpdate); err != nil {
		return err
	}
	if err := t.client.SendUint8(0); err != nil {
		return err
	}
	return t.client.SendUint16(count)
}

// relayRectangle reads one rectangle from the current back-end and relays
// it (or a substitute) to the client, returning true if it was itself a
// LastRect marker.
func (t *Tunnel) relayRectangle(lastRectMode bool) (bool, error) {
	hdr, err := t.current.Stream.RecvRectangleHeader()
	if err != nil {
		return false, err
	}

	switch hdr.EncodingType {
	case rfb.EncodingLastRect:
		if err := t.client.SendRectangleHeader(hdr); err != nil {
			return false, err
		}
		return true, nil

	case rfb.EncodingDesktopSize:
		t.framebufferWidth = hdr.Width
		t.framebufferHeight = hdr.Height
		return false, t.client.SendRectangleHeader(hdr)

	case rfb.EncodingExtendedDesktopSize:
		return false, t.relayExtendedDesktopSize(hdr)

	case rfb.EncodingDesktopName:
		return false, t.relayDesktopName(hdr, lastRectMode)

	case rfb.EncodingRRE:
		return false, t.relayRRE(hdr)

	case rfb.EncodingTight:
		return false, t.relayTight(hdr)

	default:
		length, ok := rectangleByteLength(hdr.EncodingType, hdr.Width, hdr.Height, t.pixelFormat.BitsPerPixel)
		if !ok {
			return false, rfb.NewProtocolError("unexpected rectangle encoding %d", hdr.EncodingType)
		}
		if err := t.client.SendRectangleHeader(hdr); err != nil {
			return false, err
		}
		return false, t.current.Stream.ForwardDirectly(t.client, length)
	}
}

func (t *Tunnel) relayExtendedDesktopSize(hdr rfb.RectangleHeader) error {
	numScreens, err := t.current.Stream.RecvUint8()
	if err != nil {
		return err
	}
	var pad [3]byte
	if err := t.current.Stream.Recv(pad[:]); err != nil {
		return err
	}

	if err := t.client.SendRectangleHeader(hdr); err != nil {
		return err
	}
	if err := t.client.SendUint8(numScreens); err != nil {
		return err
	}
	if err := t.client.Send(pad[:]); err != nil {
		return err
	}

	const screenSize = 16
	if err := t.current.Stream.ForwardDirectly(t.client, int(numScreens)*screenSize); err != nil {
		return err
	}

	if hdr.Y == rfb.ExtendedDesktopSizeNoError {
		t.framebufferWidth = hdr.Width
		t.framebufferHeight = hdr.Height
	}
	return nil
}

// relayDesktopName reads the back-end's rename, updates the session
// (which may instead consume it as a controller-key approval, per
// §4.3.2), and either re-emits the rectangle with our own remembered name
// or drops it, synthesizing a dummy rectangle when the client needs the
// slot filled and doesn't support LastRect.
func (t *Tunnel) relayDesktopName(hdr rfb.RectangleHeader, lastRectMode bool) error {
	length, err := t.current.Stream.RecvUint32()
	if err != nil {
		return err
	}
	name, err := t.current.Stream.Forward(int(length))
	if err != nil {
		return err
	}
	t.sess.SetDesktopName(string(name))

	if t.clientSupportsEncoding(rfb.EncodingDesktopName) {
		return t.sendDesktopNameRectangle(t.sess.DesktopName())
	}

	if lastRectMode {
		return nil // slot simply isn't filled; LastRect framing tolerates it
	}
	return t.sendDummyRectangle()
}

func (t *Tunnel) sendDesktopNameRectangle(name string) error {
	hdr := rfb.RectangleHeader{EncodingType: rfb.EncodingDesktopName}
	if err := t.client.SendRectangleHeader(hdr); err != nil {
		return err
	}
	if err := t.client.SendUint32(uint32(len(name))); err != nil {
		return err
	}
	return t.client.Send([]byte(name))
}

func (t *Tunnel) sendLastRectRectangle() error {
	return t.client.SendRectangleHeader(rfb.RectangleHeader{EncodingType: rfb.EncodingLastRect})
}

// sendDummyRectangle emits a 1x1 filler rectangle to keep the client's
// declared rectangle count accurate when a real one had to be dropped,
// preferring Raw and falling back to CopyRect, per §4.1.5's last
// paragraph.
func (t *Tunnel) sendDummyRectangle() error {
	if t.clientSupportsEncoding(rfb.EncodingRaw) {
		hdr := rfb.RectangleHeader{X: 0, Y: 0, Width: 1, Height: 1, EncodingType: rfb.EncodingRaw}
		if err := t.client.SendRectangleHeader(hdr); err != nil {
			return err
		}
		pixel := make([]byte, int(t.pixelFormat.BitsPerPixel)/8)
		return t.client.Send(pixel)
	}
	if t.clientSupportsEncoding(rfb.EncodingCopyRect) {
		hdr := rfb.RectangleHeader{X: 0, Y: 0, Width: 1, Height: 1, EncodingType: rfb.EncodingCopyRect}
		if err := t.client.SendRectangleHeader(hdr); err != nil {
			return err
		}
		return t.client.Send([]byte{0, 1, 0, 0}) // srcX=1, srcY=0
	}
	return rfb.NewProtocolError("cannot synthesize dummy rectangle: client supports neither Raw nor CopyRect")
}

// relayRRE reads RRE's uint32 subrectangle count and forwards the
// resulting variable-length payload, per §4.1.5's table.
func (t *Tunnel) relayRRE(hdr rfb.RectangleHeader) error {
	count, err := t.current.Stream.RecvUint32()
	if err != nil {
		return err
	}

	if err := t.client.SendRectangleHeader(hdr); err != nil {
		return err
	}
	if err := t.client.SendUint32(count); err != nil {
		return err
	}

	bytesPerPixel := int(t.pixelFormat.BitsPerPixel) / 8
	length := bytesPerPixel + int(count)*(bytesPerPixel+8)
	return t.current.Stream.ForwardDirectly(t.client, length)
}
