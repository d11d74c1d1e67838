// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package backend implements vncmanager acting as an RFB client towards a
// spawned Xvnc process (or, in principle, any RFB 3.8 server). Grounded on
// original_source/XvncConnection.cpp. Unlike the original's
// callback-chained state machine (needed there to stay non-blocking inside
// a single-threaded select loop), each Client runs on its own goroutine
// (internal/tunnel spawns one per accepted connection, mirroring
// std::thread(&VncTunnel::start, tunnel).detach() in
// original_source/Server.cpp), so initialization is just a sequence of
// blocking calls.
package backend

import (
	"fmt"
	"io"

	"github.com/sandia-minimega/vncmanager/internal/rfb"
)

// PasswordFunc supplies a VncAuth password when the back-end demands one.
type PasswordFunc func() (string, error)

// CredentialsFunc supplies a username/password pair when the back-end
// demands VeNCrypt Plain authentication.
type CredentialsFunc func() (username, password string, err error)

// Client is one RFB connection to a back-end server, after successful
// initialization.
type Client struct {
	Stream *rfb.Stream

	FramebufferWidth  uint16
	FramebufferHeight uint16
	PixelFormat       rfb.PixelFormat
	DesktopName       string
}

// Connect wraps conn and returns a Client with initialization not yet
// performed; call InitializeNone or Initialize next.
func Connect(conn io.ReadWriteCloser) *Client {
	return &Client{Stream: rfb.NewStream(conn)}
}

// InitializeNone performs the version and security handshake while only
// offering SecurityNone, for back-ends known in advance not to require
// authentication (every Xvnc vncmanager spawns itself, since it's always
// started with -securitytypes=none).
func (c *Client) InitializeNone() error {
	selected, err := c.negotiateSecurity([]uint8{rfb.SecurityNone})
	if err != nil {
		return err
	}
	if selected != rfb.SecurityNone {
		return fmt.Errorf("backend: expected security None, server chose %d", selected)
	}
	return c.handleNoneSecurity()
}

// Initialize performs the full handshake against a back-end that may
// require VncAuth or VeNCrypt, calling passwordFunc/credentialsFunc only
// if the negotiated security type actually needs them.
func (c *Client) Initialize(passwordFunc PasswordFunc, credentialsFunc CredentialsFunc) error {
	selected, err := c.negotiateSecurity([]uint8{rfb.SecurityNone, rfb.SecurityVncAuth, rfb.SecurityVeNCrypt})
	if err != nil {
		return err
	}

	switch selected {
	case rfb.SecurityNone:
		return c.handleNoneSecurity()
	case rfb.SecurityVncAuth:
		password, err := passwordFunc()
		if err != nil {
			return err
		}
		return c.handleVncAuth(password)
	case rfb.SecurityVeNCrypt:
		return c.handleVeNCrypt(passwordFunc, credentialsFunc)
	default:
		return fmt.Errorf("backend: no supported security type offered")
	}
}

// negotiateSecurity reads the server's version line, echoes it back, and
// picks the first of the server's offered security types that also
// appears in supported, mirroring XvncConnection::startInitialization.
func (c *Client) negotiateSecurity(supported []uint8) (uint8, error) {
	var version [rfb.VersionStringLength]byte
	if err := c.Stream.Recv(version[:]); err != nil {
		return 0, fmt.Errorf("backend: reading version: %w", err)
	}
	if string(version[:]) != rfb.VersionString {
		return 0, fmt.Errorf("backend: unsupported RFB version %q", version[:])
	}
	if err := c.Stream.Send(version[:]); err != nil {
		return 0, fmt.Errorf("backend: sending version: %w", err)
	}

	count, err := c.Stream.RecvUint8()
	if err != nil {
		return 0, fmt.Errorf("backend: reading security type count: %w", err)
	}
	if count == 0 {
		reason, err := c.recvFailureReason()
		if err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("backend: connection failed, reason: %s", reason)
	}

	offered := make([]uint8, count)
	for i := range offered {
		offered[i], err = c.Stream.RecvUint8()
		if err != nil {
			return 0, fmt.Errorf("backend: reading security types: %w", err)
		}
	}

	selected := uint8(rfb.SecurityInvalid)
	for _, t := range offered {
		for _, s := range supported {
			if t == s {
				selected = t
			}
		}
		if selected != rfb.SecurityInvalid {
			break
		}
	}
	if selected == rfb.SecurityInvalid {
		return 0, fmt.Errorf("backend: no supported security type offered")
	}

	if err := c.Stream.SendUint8(selected); err != nil {
		return 0, fmt.Errorf("backend: sending chosen security type: %w", err)
	}

	return selected, nil
}

func (c *Client) handleNoneSecurity() error {
	if err := c.receiveSecurityResult(); err != nil {
		return err
	}
	return c.completeInitialization()
}

func (c *Client) handleVncAuth(password string) error {
	var challenge [16]byte
	if err := c.Stream.Recv(challenge[:]); err != nil {
		return fmt.Errorf("backend: reading vncauth challenge: %w", err)
	}

	response, err := vncAuthResponse(vncAuthKey(password), challenge)
	if err != nil {
		return fmt.Errorf("backend: vncauth: %w", err)
	}
	if err := c.Stream.Send(response[:]); err != nil {
		return fmt.Errorf("backend: sending vncauth response: %w", err)
	}

	if err := c.receiveSecurityResult(); err != nil {
		return err
	}
	return c.completeInitialization()
}

func (c *Client) handleVeNCrypt(passwordFunc PasswordFunc, credentialsFunc CredentialsFunc) error {
	major, err := c.Stream.RecvUint8()
	if err != nil {
		return fmt.Errorf("backend: reading vencrypt version: %w", err)
	}
	minor, err := c.Stream.RecvUint8()
	if err != nil {
		return fmt.Errorf("backend: reading vencrypt version: %w", err)
	}
	if major != 0 || minor != 2 {
		return fmt.Errorf("backend: unsupported vencrypt version %d.%d", major, minor)
	}
	if err := c.Stream.SendUint8(major); err != nil {
		return fmt.Errorf("backend: sending vencrypt version: %w", err)
	}
	if err := c.Stream.SendUint8(minor); err != nil {
		return fmt.Errorf("backend: sending vencrypt version: %w", err)
	}

	status, err := c.Stream.RecvUint8()
	if err != nil {
		return fmt.Errorf("backend: reading vencrypt status: %w", err)
	}
	if status != 0 {
		return fmt.Errorf("backend: vencrypt version selection failed")
	}

	count, err := c.Stream.RecvUint8()
	if err != nil {
		return fmt.Errorf("backend: reading vencrypt subtype count: %w", err)
	}
	offered := make([]rfb.VeNCryptSubtype, count)
	for i := range offered {
		v, err := c.Stream.RecvUint32()
		if err != nil {
			return fmt.Errorf("backend: reading vencrypt subtypes: %w", err)
		}
		offered[i] = rfb.VeNCryptSubtype(v)
	}

	supported := map[rfb.VeNCryptSubtype]bool{
		rfb.VeNCryptNone:    true,
		rfb.VeNCryptVncAuth: true,
		rfb.VeNCryptPlain:   true,
	}

	selected := rfb.VeNCryptInvalid
	for _, s := range offered {
		if supported[s] {
			selected = s
			break
		}
	}
	if selected == rfb.VeNCryptInvalid {
		return fmt.Errorf("backend: no supported vencrypt subtype offered")
	}

	if err := c.Stream.SendUint32(uint32(selected)); err != nil {
		return fmt.Errorf("backend: sending vencrypt subtype: %w", err)
	}

	switch selected {
	case rfb.VeNCryptNone:
		return c.handleNoneSecurity()
	case rfb.VeNCryptVncAuth:
		password, err := passwordFunc()
		if err != nil {
			return err
		}
		return c.handleVncAuth(password)
	case rfb.VeNCryptPlain:
		username, password, err := credentialsFunc()
		if err != nil {
			return err
		}
		return c.handleVeNCryptPlain(username, password)
	default:
		return fmt.Errorf("backend: selected unsupported vencrypt subtype %d", selected)
	}
}

func (c *Client) handleVeNCryptPlain(username, password string) error {
	if err := c.Stream.SendUint32(uint32(len(username))); err != nil {
		return fmt.Errorf("backend: sending vencrypt plain header: %w", err)
	}
	if err := c.Stream.SendUint32(uint32(len(password))); err != nil {
		return fmt.Errorf("backend: sending vencrypt plain header: %w", err)
	}
	if err := c.Stream.Send([]byte(username)); err != nil {
		return fmt.Errorf("backend: sending vencrypt plain username: %w", err)
	}
	if err := c.Stream.Send([]byte(password)); err != nil {
		return fmt.Errorf("backend: sending vencrypt plain password: %w", err)
	}

	if err := c.receiveSecurityResult(); err != nil {
		return err
	}
	return c.completeInitialization()
}

func (c *Client) receiveSecurityResult() error {
	status, err := c.Stream.RecvUint32()
	if err != nil {
		return fmt.Errorf("backend: reading security result: %w", err)
	}
	if status != rfb.SecurityResultOK {
		reason, err := c.recvFailureReason()
		if err != nil {
			return err
		}
		return fmt.Errorf("backend: connection failed, reason: %s", reason)
	}
	return nil
}

func (c *Client) recvFailureReason() (string, error) {
	length, err := c.Stream.RecvUint32()
	if err != nil {
		return "", fmt.Errorf("backend: reading failure reason length: %w", err)
	}
	reason, err := c.Stream.Forward(int(length))
	if err != nil {
		return "", fmt.Errorf("backend: reading failure reason: %w", err)
	}
	return string(reason), nil
}

// completeInitialization sends ClientInit and reads ServerInit, populating
// the Client's framebuffer geometry, pixel format and desktop name.
func (c *Client) completeInitialization() error {
	if err := c.Stream.SendUint8(1); err != nil { // shared flag, always true
		return fmt.Errorf("backend: sending client init: %w", err)
	}

	header, err := c.Stream.RecvServerInitHeader()
	if err != nil {
		return fmt.Errorf("backend: reading server init: %w", err)
	}

	name, err := c.Stream.Forward(int(header.NameLength))
	if err != nil {
		return fmt.Errorf("backend: reading desktop name: %w", err)
	}

	c.FramebufferWidth = header.FramebufferWidth
	c.FramebufferHeight = header.FramebufferHeight
	c.PixelFormat = header.PixelFormat
	c.DesktopName = string(name)

	return nil
}

// SendSetPixelFormat forwards the client's requested pixel format to the
// back-end.
func (c *Client) SendSetPixelFormat(pf rfb.PixelFormat) error {
	c.PixelFormat = pf
	if err := c.Stream.Send([]byte{rfb.TypeSetPixelFormat, 0, 0, 0}); err != nil {
		return err
	}
	return c.Stream.SendPixelFormat(pf)
}

// SendSetEncodings forwards the client's supported encoding list to the
// back-end.
func (c *Client) SendSetEncodings(encodings []rfb.EncodingType) error {
	if err := c.Stream.Send([]byte{rfb.TypeSetEncodings, 0}); err != nil {
		return err
	}
	if err := c.Stream.SendUint16(uint16(len(encodings))); err != nil {
		return err
	}
	for _, e := range encodings {
		if err := c.Stream.SendInt32(int32(e)); err != nil {
			return err
		}
	}
	return nil
}

// SendNonIncrementalFramebufferUpdateRequest asks the back-end for a full
// repaint of the current framebuffer, used right after a back-end switch.
func (c *Client) SendNonIncrementalFramebufferUpdateRequest() error {
	if err := c.Stream.SendUint8(rfb.TypeFramebufferUpdateRequest); err != nil {
		return err
	}
	if err := c.Stream.SendUint8(0); err != nil { // incremental = false
		return err
	}
	if err := c.Stream.SendUint16(0); err != nil {
		return err
	}
	if err := c.Stream.SendUint16(0); err != nil {
		return err
	}
	if err := c.Stream.SendUint16(c.FramebufferWidth); err != nil {
		return err
	}
	return c.Stream.SendUint16(c.FramebufferHeight)
}
