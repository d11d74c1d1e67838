// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package tunnel

import (
	"testing"
	"time"

	"github.com/sandia-minimega/vncmanager/internal/rfb"
)

func TestRelayTightInjectsQueuedZlibReset(t *testing.T) {
	tun, backendFake, clientFake := newTunnelFixture()
	defer backendFake.Close()
	defer clientFake.Close()

	tun.tightZlibResetQueued = true

	be := rfb.NewStream(backendFake)
	payload := []byte{1, 2, 3, 4}
	go func() {
		be.SendUint8(0x00) // basic, no filter
		be.Send(payload)
	}()

	hdr := rfb.RectangleHeader{Width: 1, Height: 1, EncodingType: rfb.EncodingTight}

	controlCh := make(chan uint8, 1)
	dataCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	cl := rfb.NewStream(clientFake)
	go func() {
		if _, err := cl.RecvRectangleHeader(); err != nil {
			errCh <- err
			return
		}
		control, err := cl.RecvUint8()
		if err != nil {
			errCh <- err
			return
		}
		controlCh <- control

		data, err := cl.Forward(4)
		if err != nil {
			errCh <- err
			return
		}
		dataCh <- data
	}()

	if err := tun.relayTight(hdr); err != nil {
		t.Fatalf("relayTight: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("fake client: %v", err)
	case control := <-controlCh:
		if control&tightResetStreamMask != tightResetStreamMask {
			t.Errorf("control byte %#x does not have every reset bit set", control)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control byte")
	}

	select {
	case data := <-dataCh:
		if string(data) != string(payload) {
			t.Errorf("payload = %v, want %v", data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
	}

	if tun.tightZlibResetQueued {
		t.Errorf("tightZlibResetQueued should be cleared after being consumed")
	}
}

func TestRelayTightFillValueForwardsThreeBytes(t *testing.T) {
	tun, backendFake, clientFake := newTunnelFixture()
	defer backendFake.Close()
	defer clientFake.Close()

	be := rfb.NewStream(backendFake)
	pixel := []byte{10, 20, 30}
	go func() {
		be.SendUint8(tightFillValue)
		be.Send(pixel)
	}()

	hdr := rfb.RectangleHeader{Width: 5, Height: 5, EncodingType: rfb.EncodingTight}

	dataCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	cl := rfb.NewStream(clientFake)
	go func() {
		if _, err := cl.RecvRectangleHeader(); err != nil {
			errCh <- err
			return
		}
		if _, err := cl.RecvUint8(); err != nil { // control byte
			errCh <- err
			return
		}
		data, err := cl.Forward(3)
		if err != nil {
			errCh <- err
			return
		}
		dataCh <- data
	}()

	if err := tun.relayTight(hdr); err != nil {
		t.Fatalf("relayTight: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("fake client: %v", err)
	case data := <-dataCh:
		if string(data) != string(pixel) {
			t.Errorf("got %v, want %v", data, pixel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fill pixel")
	}
}

func TestRelayTightBasicSmallPayloadForwardedDirectly(t *testing.T) {
	tun, backendFake, clientFake := newTunnelFixture()
	defer backendFake.Close()
	defer clientFake.Close()

	// 1x1 at 32bpp: ceilDiv(32,8)*1 = 4 bytes, under the 12-byte threshold.
	hdr := rfb.RectangleHeader{Width: 1, Height: 1, EncodingType: rfb.EncodingTight}
	payload := []byte{1, 2, 3, 4}

	be := rfb.NewStream(backendFake)
	go func() {
		be.SendUint8(0x00)
		be.Send(payload)
	}()

	dataCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	cl := rfb.NewStream(clientFake)
	go func() {
		if _, err := cl.RecvRectangleHeader(); err != nil {
			errCh <- err
			return
		}
		if _, err := cl.RecvUint8(); err != nil {
			errCh <- err
			return
		}
		data, err := cl.Forward(4)
		if err != nil {
			errCh <- err
			return
		}
		dataCh <- data
	}()

	if err := tun.relayTight(hdr); err != nil {
		t.Fatalf("relayTight: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("fake client: %v", err)
	case data := <-dataCh:
		if string(data) != string(payload) {
			t.Errorf("got %v, want %v", data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestRelayTightBasicLargePayloadUsesVariableLength(t *testing.T) {
	tun, backendFake, clientFake := newTunnelFixture()
	defer backendFake.Close()
	defer clientFake.Close()

	// 4x1 at 32bpp: ceilDiv(128,8)*1 = 16 bytes, at/over the threshold, so
	// the length is Tight-varint-prefixed rather than implied by geometry.
	hdr := rfb.RectangleHeader{Width: 4, Height: 1, EncodingType: rfb.EncodingTight}
	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i)
	}

	be := rfb.NewStream(backendFake)
	go func() {
		be.SendUint8(0x00)
		be.SendTightLength(len(payload))
		be.Send(payload)
	}()

	lengthCh := make(chan int, 1)
	dataCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	cl := rfb.NewStream(clientFake)
	go func() {
		if _, err := cl.RecvRectangleHeader(); err != nil {
			errCh <- err
			return
		}
		if _, err := cl.RecvUint8(); err != nil {
			errCh <- err
			return
		}
		length, err := cl.RecvTightLength()
		if err != nil {
			errCh <- err
			return
		}
		lengthCh <- length

		data, err := cl.Forward(length)
		if err != nil {
			errCh <- err
			return
		}
		dataCh <- data
	}()

	if err := tun.relayTight(hdr); err != nil {
		t.Fatalf("relayTight: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("fake client: %v", err)
	case length := <-lengthCh:
		if length != len(payload) {
			t.Errorf("got length %d, want %d", length, len(payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for length")
	}

	select {
	case data := <-dataCh:
		if string(data) != string(payload) {
			t.Errorf("got %v, want %v", data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
	}
}
