// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package tunnel

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sandia-minimega/vncmanager/internal/backend"
	"github.com/sandia-minimega/vncmanager/internal/config"
	"github.com/sandia-minimega/vncmanager/internal/rfb"
	"github.com/sandia-minimega/vncmanager/internal/session"
)

// newSwitchFixture builds a Tunnel already attached to an "old" back-end
// and a freshly-connected "new" one, the way onSwitched finds things right
// after a successful beginSwitch.
func newSwitchFixture(oldFormat, newFormat rfb.PixelFormat) (*Tunnel, *backend.Client, net.Conn) {
	oldServer, _ := net.Pipe()
	newServer, newFake := net.Pipe()

	registry := session.NewRegistry(&config.Config{})
	oldSess := session.NewForTesting(registry, 1)

	tun := &Tunnel{
		registry: registry,
		sess:     oldSess,
		current: &backend.Client{
			Stream:      rfb.NewStream(oldServer),
			PixelFormat: oldFormat,
		},
		pixelFormat:              oldFormat,
		serverSelectedEncodings:  []rfb.EncodingType{rfb.EncodingRaw, rfb.EncodingDesktopName},
		clientSupportedEncodings: map[rfb.EncodingType]bool{rfb.EncodingDesktopName: true},
	}

	newClient := &backend.Client{
		Stream:            rfb.NewStream(newServer),
		PixelFormat:       newFormat,
		FramebufferWidth:  800,
		FramebufferHeight: 600,
	}

	tun.switchResultCh = make(chan switchOutcome, 1)
	return tun, newClient, newFake
}

func readFramebufferUpdateRequest(s *rfb.Stream) error {
	if _, err := s.RecvUint8(); err != nil { // type
		return err
	}
	if _, err := s.RecvUint8(); err != nil { // incremental
		return err
	}
	var coords [4]uint16
	for range coords {
		if _, err := s.RecvUint16(); err != nil {
			return err
		}
	}
	return nil
}

func TestOnSwitchedSendsSetPixelFormatWhenFormatsDiffer(t *testing.T) {
	oldFormat := rfb.PixelFormat{BitsPerPixel: 32, Depth: 24, TrueColourFlag: 1}
	newFormat := rfb.PixelFormat{BitsPerPixel: 16, Depth: 16, TrueColourFlag: 1}

	tun, newClient, newFake := newSwitchFixture(oldFormat, newFormat)
	defer newFake.Close()
	tun.pixelFormat = oldFormat // what the real client negotiated

	registry := tun.registry
	newSess := session.NewForTesting(registry, 2)

	doneCh := make(chan error, 1)
	ns := rfb.NewStream(newFake)
	go func() {
		mtype, err := ns.RecvUint8()
		if err != nil {
			doneCh <- err
			return
		}
		if mtype != rfb.TypeSetPixelFormat {
			doneCh <- fmt.Errorf("expected SetPixelFormat, got message type %d", mtype)
			return
		}
		var pad [3]byte
		if err := ns.Recv(pad[:]); err != nil {
			doneCh <- err
			return
		}
		if _, err := ns.RecvPixelFormat(); err != nil {
			doneCh <- err
			return
		}

		mtype, err = ns.RecvUint8()
		if err != nil {
			doneCh <- err
			return
		}
		if mtype != rfb.TypeSetEncodings {
			doneCh <- fmt.Errorf("expected SetEncodings, got message type %d", mtype)
			return
		}
		if _, err := ns.RecvUint8(); err != nil { // pad
			doneCh <- err
			return
		}
		count, err := ns.RecvUint16()
		if err != nil {
			doneCh <- err
			return
		}
		for i := 0; i < int(count); i++ {
			if _, err := ns.RecvInt32(); err != nil {
				doneCh <- err
				return
			}
		}

		if err := readFramebufferUpdateRequest(ns); err != nil {
			doneCh <- err
			return
		}
		doneCh <- nil
	}()

	err := tun.onSwitched(switchOutcome{sess: newSess, client: newClient})
	if err != nil {
		t.Fatalf("onSwitched: %v", err)
	}

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("fake back-end: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-switch message sequence")
	}

	if tun.current != newClient {
		t.Errorf("tunnel did not promote the new connection to current")
	}
	if tun.sess != newSess {
		t.Errorf("tunnel did not promote the new session")
	}
	if tun.generation != 1 {
		t.Errorf("generation = %d, want 1", tun.generation)
	}
	if !tun.tightZlibResetQueued {
		t.Errorf("expected tightZlibResetQueued to be set after a switch")
	}
	if !tun.desktopNameChangeQueued {
		t.Errorf("expected desktopNameChangeQueued to be set when the client supports DesktopName")
	}
}

func TestOnSwitchedSkipsSetPixelFormatWhenFormatsMatch(t *testing.T) {
	format := rfb.PixelFormat{BitsPerPixel: 32, Depth: 24, TrueColourFlag: 1}

	tun, newClient, newFake := newSwitchFixture(format, format)
	defer newFake.Close()
	tun.pixelFormat = format
	tun.clientSupportedEncodings = map[rfb.EncodingType]bool{} // no DesktopName support

	registry := tun.registry
	newSess := session.NewForTesting(registry, 2)

	doneCh := make(chan error, 1)
	ns := rfb.NewStream(newFake)
	go func() {
		mtype, err := ns.RecvUint8()
		if err != nil {
			doneCh <- err
			return
		}
		if mtype != rfb.TypeSetEncodings {
			doneCh <- fmt.Errorf("expected SetEncodings, got message type %d", mtype)
			return
		}
		if _, err := ns.RecvUint8(); err != nil {
			doneCh <- err
			return
		}
		count, err := ns.RecvUint16()
		if err != nil {
			doneCh <- err
			return
		}
		for i := 0; i < int(count); i++ {
			if _, err := ns.RecvInt32(); err != nil {
				doneCh <- err
				return
			}
		}
		if err := readFramebufferUpdateRequest(ns); err != nil {
			doneCh <- err
			return
		}
		doneCh <- nil
	}()

	if err := tun.onSwitched(switchOutcome{sess: newSess, client: newClient}); err != nil {
		t.Fatalf("onSwitched: %v", err)
	}

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("fake back-end: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-switch message sequence")
	}

	if tun.desktopNameChangeQueued {
		t.Errorf("desktopNameChangeQueued must not be set when the client lacks DesktopName support")
	}
}
