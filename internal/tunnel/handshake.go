// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package tunnel

import (
	"fmt"
	"net"

	"github.com/sandia-minimega/vncmanager/internal/rfb"
)

// clientHandshake implements §4.1.1: version exchange, security-type
// negotiation, and (for VeNCrypt) the TLS-upgrade-then-inner-None
// sub-negotiation, ending with ClientInit consumed. Grounded on
// VncTunnel::clientInitialize/handleNoneSecurity/handleVeNCryptSecurity in
// original_source/VncTunnel.cpp.
func (t *Tunnel) clientHandshake() error {
	if err := t.client.Send([]byte(rfb.VersionString)); err != nil {
		return fmt.Errorf("sending version: %w", err)
	}

	var echoed [rfb.VersionStringLength]byte
	if err := t.client.Recv(echoed[:]); err != nil {
		return fmt.Errorf("reading version: %w", err)
	}
	if string(echoed[:]) != rfb.VersionString {
		t.rejectClient("unsupported protocol version")
		return fmt.Errorf("client requested unsupported version %q", echoed[:])
	}

	offered := serverOfferedSecurityTypes(t.cfg)
	if len(offered) == 0 {
		t.rejectClient("no security type configured")
		return fmt.Errorf("no security type configured")
	}

	if err := t.client.SendUint8(uint8(len(offered))); err != nil {
		return fmt.Errorf("sending security type count: %w", err)
	}
	for _, s := range offered {
		if err := t.client.SendUint8(s); err != nil {
			return fmt.Errorf("sending security types: %w", err)
		}
	}

	chosen, err := t.client.RecvUint8()
	if err != nil {
		return fmt.Errorf("reading chosen security type: %w", err)
	}

	found := false
	for _, s := range offered {
		if s == chosen {
			found = true
		}
	}
	if !found {
		t.sendSecurityFailed("security type not offered")
		return fmt.Errorf("client chose unoffered security type %d", chosen)
	}

	switch chosen {
	case rfb.SecurityNone:
		if err := t.client.SendUint32(rfb.SecurityResultOK); err != nil {
			return fmt.Errorf("sending security result: %w", err)
		}
	case rfb.SecurityVeNCrypt:
		if err := t.clientVeNCryptHandshake(); err != nil {
			return err
		}
	default:
		t.sendSecurityFailed("unsupported security type")
		return fmt.Errorf("unsupported security type %d", chosen)
	}

	shared, err := t.client.RecvUint8()
	if err != nil {
		return fmt.Errorf("reading client init: %w", err)
	}
	_ = shared // ignored, per §4.1.2

	return nil
}

// serverOfferedSecurityTypes computes the list of rfb.SecurityType values
// this proxy advertises to a connecting client, given the configured
// VeNCrypt subtypes: None if a None subtype is configured, then VeNCrypt
// (at most once) if any TLS/X509 subtype is. None, when offered, always
// comes first; the configured order of the subtypes does not change the
// order of this list.
func serverOfferedSecurityTypes(cfg interface {
	OffersNone() bool
	OffersVeNCrypt() bool
}) []uint8 {
	var out []uint8
	if cfg.OffersNone() {
		out = append(out, rfb.SecurityNone)
	}
	if cfg.OffersVeNCrypt() {
		out = append(out, rfb.SecurityVeNCrypt)
	}
	return out
}

// clientVeNCryptHandshake implements the VeNCrypt branch of §4.1.1 step 5:
// version negotiation, subtype offer restricted to what's configured,
// optional TLS upgrade, then the inner security is always treated as None.
func (t *Tunnel) clientVeNCryptHandshake() error {
	if err := t.client.SendUint8(0); err != nil {
		return fmt.Errorf("sending vencrypt version: %w", err)
	}
	if err := t.client.SendUint8(2); err != nil {
		return fmt.Errorf("sending vencrypt version: %w", err)
	}

	major, err := t.client.RecvUint8()
	if err != nil {
		return fmt.Errorf("reading vencrypt version echo: %w", err)
	}
	minor, err := t.client.RecvUint8()
	if err != nil {
		return fmt.Errorf("reading vencrypt version echo: %w", err)
	}
	if major != 0 || minor != 2 {
		t.client.SendUint8(1) // reject
		return fmt.Errorf("client echoed unsupported vencrypt version %d.%d", major, minor)
	}
	if err := t.client.SendUint8(0); err != nil {
		return fmt.Errorf("sending vencrypt status: %w", err)
	}

	var subtypes []rfb.VeNCryptSubtype
	for _, s := range t.cfg.Security {
		if s == rfb.VeNCryptTLSNone || s == rfb.VeNCryptX509None {
			subtypes = append(subtypes, s)
		}
	}
	if len(subtypes) == 0 {
		return fmt.Errorf("vencrypt offered but no TLS subtype configured")
	}

	if err := t.client.SendUint8(uint8(len(subtypes))); err != nil {
		return fmt.Errorf("sending vencrypt subtype count: %w", err)
	}
	for _, s := range subtypes {
		if err := t.client.SendUint32(uint32(s)); err != nil {
			return fmt.Errorf("sending vencrypt subtypes: %w", err)
		}
	}

	chosen, err := t.client.RecvUint32()
	if err != nil {
		return fmt.Errorf("reading chosen vencrypt subtype: %w", err)
	}
	subtype := rfb.VeNCryptSubtype(chosen)

	found := false
	for _, s := range subtypes {
		if s == subtype {
			found = true
		}
	}
	if !found {
		t.client.SendUint8(0)
		t.sendSecurityFailed("vencrypt subtype not offered")
		return fmt.Errorf("client chose unoffered vencrypt subtype %d", subtype)
	}

	if err := t.client.SendUint8(1); err != nil {
		return fmt.Errorf("sending vencrypt acceptance: %w", err)
	}

	rawConn, ok := t.client.Conn.(net.Conn)
	if !ok {
		return fmt.Errorf("tls handshake: underlying connection is not a net.Conn")
	}

	switch subtype {
	case rfb.VeNCryptTLSNone:
		tlsConn, err := t.tls.ServerHandshakeAnon(rawConn)
		if err != nil {
			return fmt.Errorf("tls handshake: %w", err)
		}
		t.client = rfb.NewStream(tlsConn)
	case rfb.VeNCryptX509None:
		tlsConn, err := t.tls.ServerHandshakeX509(rawConn)
		if err != nil {
			return fmt.Errorf("tls handshake: %w", err)
		}
		t.client = rfb.NewStream(tlsConn)
	default:
		return fmt.Errorf("unsupported vencrypt subtype %d", subtype)
	}

	return t.client.SendUint32(rfb.SecurityResultOK)
}

// rejectClient sends numberOfSecurityTypes=0 followed by a length-prefixed
// reason, per §4.1.1 step 2.
func (t *Tunnel) rejectClient(reason string) {
	t.client.SendUint8(0)
	t.client.SendUint32(uint32(len(reason)))
	t.client.Send([]byte(reason))
}

// sendSecurityFailed sends SecurityResult::Failed plus a length-prefixed
// reason, per §4.1.1 step 4.
func (t *Tunnel) sendSecurityFailed(reason string) {
	t.client.SendUint32(rfb.SecurityResultFailed)
	t.client.SendUint32(uint32(len(reason)))
	t.client.Send([]byte(reason))
}

// sendServerInitToClient forwards our own copy of the back-end's
// width/height/pixelFormat/desktopName, per §4.1.2's last sentence.
func (t *Tunnel) sendServerInitToClient() error {
	name := t.sess.DesktopName()
	header := rfb.ServerInitHeader{
		FramebufferWidth:  t.framebufferWidth,
		FramebufferHeight: t.framebufferHeight,
		PixelFormat:       t.pixelFormat,
		NameLength:        uint32(len(name)),
	}
	if err := t.client.SendServerInitHeader(header); err != nil {
		return fmt.Errorf("sending server init: %w", err)
	}
	return t.client.Send([]byte(name))
}
