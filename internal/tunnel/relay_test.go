// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package tunnel

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sandia-minimega/vncmanager/internal/backend"
	"github.com/sandia-minimega/vncmanager/internal/config"
	"github.com/sandia-minimega/vncmanager/internal/rfb"
	"github.com/sandia-minimega/vncmanager/internal/session"
)

// newTunnelFixture builds a Tunnel wired to a pair of net.Pipe connections
// standing in for the client and the current back-end, handing back the
// far ends a test drives directly, the way backend_test.go drives a fake
// RFB peer over net.Pipe.
func newTunnelFixture() (*Tunnel, net.Conn, net.Conn) {
	backendServer, backendFake := net.Pipe()
	clientServer, clientFake := net.Pipe()

	registry := session.NewRegistry(&config.Config{})
	sess := session.NewForTesting(registry, 1)

	tun := &Tunnel{
		registry: registry,
		client:   rfb.NewStream(clientServer),
		current: &backend.Client{
			Stream:      rfb.NewStream(backendServer),
			PixelFormat: rfb.PixelFormat{BitsPerPixel: 32},
		},
		sess:                     sess,
		pixelFormat:              rfb.PixelFormat{BitsPerPixel: 32},
		clientSupportedEncodings: map[rfb.EncodingType]bool{},
	}
	return tun, backendFake, clientFake
}

func TestProcessFramebufferUpdateTooManyRectanglesWithoutLastRect(t *testing.T) {
	tun, backendFake, _ := newTunnelFixture()
	defer backendFake.Close()

	tun.desktopNameChangeQueued = true
	tun.clientSupportedEncodings[rfb.EncodingDesktopName] = true
	// LastRect deliberately not advertised.

	be := rfb.NewStream(backendFake)
	go func() {
		be.SendUint8(0)
		be.SendUint16(65535)
	}()

	err := tun.processFramebufferUpdate()
	var protoErr *rfb.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("processFramebufferUpdate() = %v, want a *rfb.ProtocolError", err)
	}
}

func TestProcessFramebufferUpdateCapsCountAndHonorsEarlyLastRect(t *testing.T) {
	tun, backendFake, clientFake := newTunnelFixture()
	defer backendFake.Close()
	defer clientFake.Close()

	tun.sess.SetDesktopName("session-b")
	tun.desktopNameChangeQueued = true
	tun.clientSupportedEncodings[rfb.EncodingDesktopName] = true
	tun.clientSupportedEncodings[rfb.EncodingLastRect] = true

	be := rfb.NewStream(backendFake)
	go func() {
		be.SendUint8(0)
		be.SendUint16(65535) // n + the queued DesktopName extra overflows 65535
		be.SendRectangleHeader(rfb.RectangleHeader{EncodingType: rfb.EncodingLastRect})
	}()

	type observed struct {
		count       uint16
		desktopName string
		sawLastRect bool
	}
	obsCh := make(chan observed, 1)
	errCh := make(chan error, 1)

	cl := rfb.NewStream(clientFake)
	go func() {
		if _, err := cl.RecvUint8(); err != nil { // FramebufferUpdate type
			errCh <- err
			return
		}
		var pad [1]byte
		if err := cl.Recv(pad[:]); err != nil {
			errCh <- err
			return
		}
		count, err := cl.RecvUint16()
		if err != nil {
			errCh <- err
			return
		}

		hdr, err := cl.RecvRectangleHeader()
		if err != nil {
			errCh <- err
			return
		}
		var name string
		if hdr.EncodingType == rfb.EncodingDesktopName {
			length, err := cl.RecvUint32()
			if err != nil {
				errCh <- err
				return
			}
			raw, err := cl.Forward(int(length))
			if err != nil {
				errCh <- err
				return
			}
			name = string(raw)
		}

		hdr2, err := cl.RecvRectangleHeader()
		if err != nil {
			errCh <- err
			return
		}

		obsCh <- observed{count: count, desktopName: name, sawLastRect: hdr2.EncodingType == rfb.EncodingLastRect}
	}()

	if err := tun.processFramebufferUpdate(); err != nil {
		t.Fatalf("processFramebufferUpdate: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("fake client: %v", err)
	case got := <-obsCh:
		if got.count != 65535 {
			t.Errorf("header count = %d, want 65535", got.count)
		}
		if got.desktopName != "session-b" {
			t.Errorf("desktop name = %q, want %q", got.desktopName, "session-b")
		}
		if !got.sawLastRect {
			t.Errorf("expected the backend's own LastRect rectangle to be relayed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client-side bytes")
	}

	if tun.desktopNameChangeQueued {
		t.Errorf("desktopNameChangeQueued should be cleared after being consumed")
	}
}

func TestRelayDesktopNameControllerKeyIsConsumedNotForwarded(t *testing.T) {
	tun, backendFake, clientFake := newTunnelFixture()
	defer backendFake.Close()
	defer clientFake.Close()

	// Client lacks DesktopName support and isn't in LastRect mode, so the
	// proxy must fill the slot with a dummy rectangle (spec.md §4.3.2/§8
	// scenario 4).
	tun.clientSupportedEncodings[rfb.EncodingRaw] = true

	be := rfb.NewStream(backendFake)
	name := session.ControllerKeyPrefix + "abc123"
	go func() {
		be.SendUint32(uint32(len(name)))
		be.Send([]byte(name))
	}()

	cl := rfb.NewStream(clientFake)
	dummyCh := make(chan rfb.RectangleHeader, 1)
	errCh := make(chan error, 1)
	go func() {
		hdr, err := cl.RecvRectangleHeader()
		if err != nil {
			errCh <- err
			return
		}
		var pixel [4]byte
		if err := cl.Recv(pixel[:]); err != nil {
			errCh <- err
			return
		}
		dummyCh <- hdr
	}()

	if err := tun.relayDesktopName(rfb.RectangleHeader{EncodingType: rfb.EncodingDesktopName}, false); err != nil {
		t.Fatalf("relayDesktopName: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("fake client: %v", err)
	case hdr := <-dummyCh:
		if hdr.EncodingType != rfb.EncodingRaw || hdr.Width != 1 || hdr.Height != 1 {
			t.Errorf("got dummy rectangle %+v, want a 1x1 Raw rectangle", hdr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dummy rectangle")
	}

	if !tun.sess.IsKeyApproved("abc123") {
		t.Errorf("expected controller key abc123 to be approved")
	}
	if tun.sess.DesktopName() != "" {
		t.Errorf("a controller-key rename must not change the desktop name, got %q", tun.sess.DesktopName())
	}
}

func TestRelayDesktopNameForwardsWhenClientSupportsEncoding(t *testing.T) {
	tun, backendFake, clientFake := newTunnelFixture()
	defer backendFake.Close()
	defer clientFake.Close()

	tun.clientSupportedEncodings[rfb.EncodingDesktopName] = true

	be := rfb.NewStream(backendFake)
	go func() {
		be.SendUint32(uint32(len("new-desktop")))
		be.Send([]byte("new-desktop"))
	}()

	cl := rfb.NewStream(clientFake)
	nameCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		if _, err := cl.RecvRectangleHeader(); err != nil {
			errCh <- err
			return
		}
		length, err := cl.RecvUint32()
		if err != nil {
			errCh <- err
			return
		}
		raw, err := cl.Forward(int(length))
		if err != nil {
			errCh <- err
			return
		}
		nameCh <- string(raw)
	}()

	if err := tun.relayDesktopName(rfb.RectangleHeader{EncodingType: rfb.EncodingDesktopName}, false); err != nil {
		t.Fatalf("relayDesktopName: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("fake client: %v", err)
	case got := <-nameCh:
		if got != "new-desktop" {
			t.Errorf("got %q, want %q", got, "new-desktop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for desktop name rectangle")
	}

	if tun.sess.DesktopName() != "new-desktop" {
		t.Errorf("session desktop name = %q, want %q", tun.sess.DesktopName(), "new-desktop")
	}
}

func TestRelayDesktopNameLastRectModeLeavesSlotEmpty(t *testing.T) {
	tun, backendFake, clientFake := newTunnelFixture()
	defer backendFake.Close()
	defer clientFake.Close()

	// Neither DesktopName nor a fallback encoding is advertised; LastRect
	// framing tolerates the slot simply not being filled.
	be := rfb.NewStream(backendFake)
	go func() {
		be.SendUint32(0)
	}()

	if err := tun.relayDesktopName(rfb.RectangleHeader{EncodingType: rfb.EncodingDesktopName}, true); err != nil {
		t.Fatalf("relayDesktopName: %v", err)
	}

	clientFake.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var b [1]byte
	if _, err := clientFake.Read(b[:]); err == nil {
		t.Errorf("expected no bytes to be sent to the client in LastRect mode")
	}
}
