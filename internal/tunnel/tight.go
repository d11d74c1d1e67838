// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package tunnel

import (
	"github.com/sandia-minimega/vncmanager/internal/rfb"
)

// Tight compression-control bit layout, per §4.1.6.
const (
	tightResetStreamMask = 0x0f
	tightBasicMask       = 0x80
	tightFillMask        = 0xf0
	tightFillValue       = 0x80
	tightJpegValue       = 0x90
	tightFilterFlag      = 0x40
	tightFilterPalette   = 1
)

// relayTight parses and forwards one Tight-encoded rectangle's body,
// injecting any queued zlib stream reset and handling the Fill/JPEG/Basic
// branches of §4.1.6.
func (t *Tunnel) relayTight(hdr rfb.RectangleHeader) error {
	control, err := t.current.Stream.RecvUint8()
	if err != nil {
		return err
	}

	if t.tightZlibResetQueued {
		control |= tightResetStreamMask
		t.tightZlibResetQueued = false
	}

	if err := t.client.SendRectangleHeader(hdr); err != nil {
		return err
	}
	if err := t.client.SendUint8(control); err != nil {
		return err
	}

	switch {
	case control&tightFillMask == tightFillValue:
		return t.current.Stream.ForwardDirectly(t.client, 3) // sizeof(TightPixel)

	case control&tightFillMask == tightJpegValue:
		return t.forwardTightVariableLengthData()

	case control&tightBasicMask == 0:
		return t.relayTightBasic(hdr, control)

	default:
		return rfb.NewProtocolError("unrecognized tight compression control %#x", control)
	}
}

func (t *Tunnel) relayTightBasic(hdr rfb.RectangleHeader, control uint8) error {
	effectiveBpp := int(t.pixelFormat.BitsPerPixel)

	if control&tightFilterFlag != 0 {
		filter, err := t.current.Stream.RecvUint8()
		if err != nil {
			return err
		}
		if err := t.client.SendUint8(filter); err != nil {
			return err
		}

		if filter == tightFilterPalette {
			paletteLength, err := t.current.Stream.RecvUint8()
			if err != nil {
				return err
			}
			if err := t.client.SendUint8(paletteLength); err != nil {
				return err
			}

			paletteBytes := (int(paletteLength) + 1) * 3
			if err := t.current.Stream.ForwardDirectly(t.client, paletteBytes); err != nil {
				return err
			}

			if paletteLength <= 1 {
				effectiveBpp = 1
			} else {
				effectiveBpp = 8
			}
		}
	}

	dataSize := ceilDiv(int(hdr.Width)*effectiveBpp, 8) * int(hdr.Height)
	if dataSize < 12 {
		return t.current.Stream.ForwardDirectly(t.client, dataSize)
	}
	return t.forwardTightVariableLengthData()
}

// forwardTightVariableLengthData relays a Tight variable-length-prefixed
// blob: read the length off the back-end, re-encode and send it to the
// client, then pump the payload bytes through unexamined (§4.1.7).
func (t *Tunnel) forwardTightVariableLengthData() error {
	length, err := t.current.Stream.RecvTightLength()
	if err != nil {
		return err
	}
	if err := t.client.SendTightLength(length); err != nil {
		return err
	}
	return t.current.Stream.ForwardDirectly(t.client, length)
}
