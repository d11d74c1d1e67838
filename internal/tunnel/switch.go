// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package tunnel

import (
	"fmt"

	log "github.com/sandia-minimega/vncmanager/pkg/minilog"

	"github.com/sandia-minimega/vncmanager/internal/backend"
	"github.com/sandia-minimega/vncmanager/internal/greeter"
	"github.com/sandia-minimega/vncmanager/internal/rfb"
	"github.com/sandia-minimega/vncmanager/internal/session"
)

// switchOutcome is what a background switch attempt reports back to the
// steady-state loop over Tunnel.switchResultCh.
type switchOutcome struct {
	sess   *session.Session
	client *backend.Client
	err    error
}

// newSessionRequested is the greeter's NEW handler: create a fresh session
// and switch to it, per §4.1.8.
func (t *Tunnel) newSessionRequested() {
	sess, err := t.registry.CreateSession(false)
	if err != nil {
		t.switchResultCh <- switchOutcome{err: fmt.Errorf("creating session: %w", err)}
		return
	}
	t.beginSwitch(sess)
}

// openSessionRequested is the greeter's OPEN <id> handler.
func (t *Tunnel) openSessionRequested(id int) {
	sess, ok := t.registry.Get(id)
	if !ok {
		t.switchResultCh <- switchOutcome{err: fmt.Errorf("no such session #%d", id)}
		return
	}
	t.beginSwitch(sess)
}

// beginSwitch performs the asynchronous back-end connect and
// initialization of §4.2.3 on its own goroutine, so the steady-state loop
// stays responsive to the client and current back-end while the greeter's
// user is asked for credentials. The result always lands on
// switchResultCh.
func (t *Tunnel) beginSwitch(sess *session.Session) {
	if t.tightEncodingDisabled {
		t.tightEncodingDisabled = false
		if t.clientSupportsEncoding(rfb.EncodingTight) {
			t.serverSelectedEncodings = append([]rfb.EncodingType{rfb.EncodingTight}, t.serverSelectedEncodings...)
		}
	}

	greet := t.greet

	go func() {
		conn, err := sess.Connect()
		if err != nil {
			t.switchResultCh <- switchOutcome{err: fmt.Errorf("connecting to session #%d: %w", sess.ID(), err)}
			return
		}

		client := backend.Connect(conn)
		err = client.Initialize(
			func() (string, error) { return askGreeterPassword(greet) },
			func() (string, string, error) { return askGreeterCredentials(greet) },
		)
		if err != nil {
			conn.Close()
			t.switchResultCh <- switchOutcome{err: fmt.Errorf("initializing session #%d: %w", sess.ID(), err)}
			return
		}

		select {
		case t.switchResultCh <- switchOutcome{sess: sess, client: client}:
		case <-t.closeCh:
			client.Stream.Close()
		}
	}()
}

// askGreeterPassword blocks the calling (background switch) goroutine
// until the greeter's user types a password, by registering a one-shot
// handler that the steady-state loop invokes from within greeter.Receive.
func askGreeterPassword(g *greeter.Greeter) (string, error) {
	ch := make(chan string, 1)
	if err := g.AskForPassword(func(password string) { ch <- password }); err != nil {
		return "", err
	}
	return <-ch, nil
}

// askGreeterCredentials is askGreeterPassword's counterpart for VeNCrypt
// Plain authentication.
func askGreeterCredentials(g *greeter.Greeter) (string, string, error) {
	ch := make(chan [2]string, 1)
	if err := g.AskForCredentials(func(username, password string) { ch <- [2]string{username, password} }); err != nil {
		return "", "", err
	}
	pair := <-ch
	return pair[0], pair[1], nil
}

// onSwitched finishes a successful switch on the steady-state loop's own
// goroutine, per §4.1.8 step 4's onSwitched callback: release the greeter,
// promote the new connection to current, and reconfigure it to match the
// client's negotiated state.
func (t *Tunnel) onSwitched(outcome switchOutcome) error {
	if t.greet != nil {
		t.greet.Close()
		t.greet = nil
	}

	old := t.current
	oldSess := t.sess

	t.current = outcome.client
	t.sess = outcome.sess
	t.generation++

	old.Stream.Close()
	oldSess.Disconnect()

	if t.pixelFormat != t.current.PixelFormat {
		if err := t.current.SendSetPixelFormat(t.pixelFormat); err != nil {
			return err
		}
	}
	if err := t.current.SendSetEncodings(t.serverSelectedEncodings); err != nil {
		return err
	}
	if err := t.current.SendNonIncrementalFramebufferUpdateRequest(); err != nil {
		return err
	}

	t.tightZlibResetQueued = true
	if t.clientSupportsEncoding(rfb.EncodingDesktopName) {
		t.desktopNameChangeQueued = true
	}

	log.Info("tunnel: switched to session #%d", t.sess.ID())
	return nil
}
