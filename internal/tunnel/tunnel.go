// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package tunnel implements the RFB proxy state machine: it terminates RFB
// 3.8 towards the client, speaks RFB 3.8 to exactly one back-end at a time,
// and relays framebuffer updates between them closely enough to intervene
// on back-end switches. Grounded on original_source/VncTunnel.cpp/.h.
//
// VncTunnel.cpp runs its own ReadSelector loop so one thread can juggle the
// client socket, the current back-end socket, and the greeter's stdout
// without blocking on any one of them. original_source/Server.cpp already
// hands each accepted connection its own std::thread, so the natural Go
// shape keeps that one-goroutine-per-tunnel model but replaces the
// selector with three small reader goroutines feeding a single event loop
// over channels: exactly one handler still runs at a time, matching the
// "Ordering" guarantee, but expressed with select instead of poll/epoll.
package tunnel

import (
	"fmt"
	"net"

	log "github.com/sandia-minimega/vncmanager/pkg/minilog"

	"github.com/sandia-minimega/vncmanager/internal/backend"
	"github.com/sandia-minimega/vncmanager/internal/config"
	"github.com/sandia-minimega/vncmanager/internal/greeter"
	"github.com/sandia-minimega/vncmanager/internal/rfb"
	"github.com/sandia-minimega/vncmanager/internal/session"
	"github.com/sandia-minimega/vncmanager/internal/tlsutil"
)

// Tunnel owns one client connection for its lifetime: the handshake, the
// session it ends up attached to, the current back-end connection, and
// whichever back-end switch may be in flight via the greeter.
type Tunnel struct {
	cfg      *config.Config
	registry *session.Registry
	tls      *tlsutil.Provider

	client *rfb.Stream

	sess    *session.Session
	greet   *greeter.Greeter
	current *backend.Client

	generation int

	pixelFormat       rfb.PixelFormat
	framebufferWidth  uint16
	framebufferHeight uint16

	clientSupportedEncodings map[rfb.EncodingType]bool
	serverSelectedEncodings  []rfb.EncodingType
	tightEncodingDisabled    bool

	tightZlibResetQueued    bool
	desktopNameChangeQueued bool

	switchResultCh chan switchOutcome
	closeCh        chan struct{}
}

// Run drives one accepted client connection end to end. It blocks until the
// tunnel terminates, at which point conn and every resource the tunnel
// opened have been released.
func Run(cfg *config.Config, tls *tlsutil.Provider, registry *session.Registry, conn net.Conn) error {
	t := &Tunnel{
		cfg:                      cfg,
		tls:                      tls,
		registry:                 registry,
		client:                   rfb.NewStream(conn),
		clientSupportedEncodings: map[rfb.EncodingType]bool{},
		switchResultCh:           make(chan switchOutcome, 1),
		closeCh:                  make(chan struct{}),
	}
	defer t.teardown()

	if err := t.clientHandshake(); err != nil {
		return fmt.Errorf("tunnel: handshake: %w", err)
	}
	if err := t.initializeSession(); err != nil {
		return fmt.Errorf("tunnel: session init: %w", err)
	}

	return t.steadyState()
}

// initializeSession implements §4.1.2: pick a session (new XDMCP session,
// or a local session behind a freshly spawned greeter), connect to its
// back-end, and forward the resulting ServerInit fields to the client.
func (t *Tunnel) initializeSession() error {
	queryDisplayManager := false
	showGreeter := false
	switch {
	case t.cfg.DisableManager:
		// local session, no greeter
	case !t.cfg.AlwaysShowGreeter && !t.registry.HasVisibleSessions():
		queryDisplayManager = true
	default:
		showGreeter = true
	}

	sess, err := t.registry.CreateSession(queryDisplayManager)
	if err != nil {
		return err
	}
	t.sess = sess

	if showGreeter {
		t.tightEncodingDisabled = true

		g, err := greeter.Spawn(t.cfg.Greeter, sess.Display(), sess.XauthFilename(), t.registry, t.newSessionRequested, t.openSessionRequested)
		if err != nil {
			return err
		}
		t.greet = g
	}

	conn, err := sess.Connect()
	if err != nil {
		return err
	}
	client := backend.Connect(conn)
	if err := client.InitializeNone(); err != nil {
		conn.Close()
		sess.Disconnect()
		return err
	}
	t.current = client
	sess.SetDesktopName(client.DesktopName)

	t.pixelFormat = client.PixelFormat
	t.framebufferWidth = client.FramebufferWidth
	t.framebufferHeight = client.FramebufferHeight

	return t.sendServerInitToClient()
}

// teardown releases everything a Tunnel opened, regardless of which stage
// it got to.
func (t *Tunnel) teardown() {
	close(t.closeCh)
	t.client.Close()
	if t.current != nil {
		t.current.Stream.Close()
		t.sess.Disconnect()
	}
	if t.greet != nil {
		t.greet.Close()
	}
}

// clientSupportsEncoding reports whether the client's most recent
// SetEncodings advertised e.
func (t *Tunnel) clientSupportsEncoding(e rfb.EncodingType) bool {
	return t.clientSupportedEncodings[e]
}

// steadyState runs §4.1.3's selector loop: a reader goroutine per event
// source feeds a single select, so exactly one handler is ever active.
func (t *Tunnel) steadyState() error {
	clientEvents := make(chan readEvent)
	clientResume := make(chan struct{})
	go readerLoop(t.client, clientEvents, clientResume, t.closeCh)

	serverEvents := make(chan readEvent)
	serverResume := make(chan struct{})
	go readerLoop(t.current.Stream, serverEvents, serverResume, t.closeCh)
	serverGeneration := t.generation

	var greeterEvents chan error
	var greeterResume chan struct{}
	if t.greet != nil {
		greeterEvents = make(chan error)
		greeterResume = make(chan struct{})
		go greeterReaderLoop(t.greet, greeterEvents, greeterResume, t.closeCh)
	}

	for {
		if t.greet != nil {
			if err := t.greet.Update(); err != nil {
				log.Info("tunnel: greeter died: %v", err)
				t.greet.Close()
				t.greet = nil
				greeterEvents = nil
			}
		}

		select {
		case ev := <-clientEvents:
			if ev.err != nil {
				return nil // client EOF is a normal close, per §4.1.9
			}
			t.client.Unread(ev.msgType)
			if err := t.processClientMessage(); err != nil {
				return err
			}
			clientResume <- struct{}{}

		case ev := <-serverEvents:
			if serverGeneration != t.generation {
				// Stale event from a back-end we've already switched
				// away from and closed; the reader is winding down.
				continue
			}
			if ev.err != nil {
				return fmt.Errorf("tunnel: current back-end: %w", ev.err)
			}
			t.current.Stream.Unread(ev.msgType)
			if err := t.processServerMessage(); err != nil {
				return fmt.Errorf("tunnel: current back-end: %w", err)
			}
			serverResume <- struct{}{}

		case err := <-greeterEvents:
			if err != nil {
				log.Info("tunnel: greeter read error: %v", err)
				t.greet.MarkDead()
				t.greet = nil
				continue
			}
			if err := t.greet.Receive(); err != nil {
				log.Info("tunnel: greeter protocol error: %v", err)
			}
			greeterResume <- struct{}{}

		case outcome := <-t.switchResultCh:
			if outcome.err != nil {
				log.Info("tunnel: back-end switch failed: %v", outcome.err)
				if t.greet != nil {
					t.greet.ShowError(outcome.err.Error())
				}
				continue
			}
			configureErr := t.onSwitched(outcome)

			serverGeneration = t.generation
			serverEvents = make(chan readEvent)
			serverResume = make(chan struct{})
			go readerLoop(t.current.Stream, serverEvents, serverResume, t.closeCh)

			if configureErr != nil {
				return fmt.Errorf("tunnel: configuring switched back-end: %w", configureErr)
			}
		}
	}
}

// readEvent is what a reader goroutine reports for one peeked message type.
type readEvent struct {
	msgType byte
	err     error
}

// readerLoop peeks one message-type byte at a time from s, reporting it on
// out and then waiting on resume before peeking the next one. This keeps a
// single goroutine the only reader of s at any instant while still letting
// the main loop multiplex several such streams with select.
func readerLoop(s *rfb.Stream, out chan<- readEvent, resume <-chan struct{}, done <-chan struct{}) {
	for {
		b, err := s.RecvByte()
		select {
		case out <- readEvent{b, err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-resume:
		case <-done:
			return
		}
	}
}

// greeterReaderLoop peeks readiness on the greeter's stdout the same way
// readerLoop does for an rfb.Stream, but only needs to signal "a line is
// ready" since greeter.Receive does its own line parsing.
func greeterReaderLoop(g *greeter.Greeter, out chan<- error, resume <-chan struct{}, done <-chan struct{}) {
	for {
		_, err := g.Stdout().Peek(1)
		select {
		case out <- err:
		case <-done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-resume:
		case <-done:
			return
		}
	}
}
