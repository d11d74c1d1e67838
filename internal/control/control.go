// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package control implements the control socket in-session helpers use to
// mark their session visible and claim a session username (spec.md §7).
// Grounded on original_source/ControllerManager.cpp and
// original_source/ControllerConnection.cpp.
package control

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	log "github.com/sandia-minimega/vncmanager/pkg/minilog"

	"github.com/sandia-minimega/vncmanager/internal/session"
)

// approvalTries bounds how long a connection waits for its key to be
// approved by a prior CONTROLLER_KEY: desktop name update before giving
// up, mirroring ControllerConnection::approvalTries.
const approvalTries = 100

const approvalPollInterval = 100 * time.Millisecond

// Manager listens on the control unix socket and spawns a handler
// goroutine per connection, mirroring ControllerManager.
type Manager struct {
	registry *session.Registry
	ln       *net.UnixListener
	path     string
}

// Listen creates the control socket under runDir/control/control.
func Listen(runDir string, registry *session.Registry) (*Manager, error) {
	controlDir := filepath.Join(runDir, "control")
	if err := os.MkdirAll(controlDir, 0775); err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}

	path := filepath.Join(controlDir, "control")
	os.Remove(path)

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("control: %w", err)
	}

	return &Manager{registry: registry, ln: ln, path: path}, nil
}

// Close removes the control socket.
func (m *Manager) Close() error {
	err := m.ln.Close()
	os.Remove(m.path)
	return err
}

// Serve accepts connections until the listener is closed. Run it in its
// own goroutine; each accepted connection gets its own goroutine too,
// mirroring the thread-per-ControllerConnection model of the original.
func (m *Manager) Serve() {
	for {
		conn, err := m.ln.AcceptUnix()
		if err != nil {
			return
		}
		go m.handle(conn)
	}
}

func (m *Manager) handle(conn *net.UnixConn) {
	defer conn.Close()

	log.Info("accepted controller %s", conn.RemoteAddr())

	s, err := m.authenticate(conn)
	if err != nil {
		log.Info("controller rejected: %v", err)
		return
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		handleCommand(s, line)
	}

	log.Info("disconnected controller %s", conn.RemoteAddr())
}

// authenticate runs the display-number-then-key handshake, mirroring
// ControllerConnection::initialize.
func (m *Manager) authenticate(conn *net.UnixConn) (*session.Session, error) {
	reader := bufio.NewReader(conn)

	displayLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading display number: %w", err)
	}
	displayNumber, err := strconv.Atoi(strings.TrimSpace(displayLine))
	if err != nil {
		return nil, fmt.Errorf("malformed display number: %w", err)
	}

	s, ok := m.registry.GetByDisplayNumber(displayNumber)
	if !ok {
		return nil, fmt.Errorf("display number %d is not managed here", displayNumber)
	}
	fmt.Fprintln(conn, "OK")

	keyLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	key := strings.TrimSpace(keyLine)

	approved := false
	for tries := 0; tries < approvalTries; tries++ {
		if s.IsKeyApproved(key) {
			approved = true
			break
		}
		time.Sleep(approvalPollInterval)
	}
	if !approved {
		return nil, fmt.Errorf("key not approved in time")
	}
	fmt.Fprintln(conn, "OK")

	if username, err := peerUsername(conn); err == nil {
		s.SetSessionUsername(username)
	}

	log.Info("controller approved for session #%d", s.ID())

	return s, nil
}

func handleCommand(s *session.Session, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "VISIBLE":
		if len(fields) < 2 {
			return
		}
		visible, ok := parseVisibleToken(fields[1])
		if !ok {
			return
		}
		s.MarkVisible(visible)
	}
}

// parseVisibleToken accepts the same case-insensitive boolean tokens as
// ControllerConnection::handleCommand: 1/0, true/false, and yes/no.
func parseVisibleToken(token string) (bool, bool) {
	switch strings.ToLower(token) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	default:
		return false, false
	}
}

// peerUsername resolves the connecting process's unix username via
// SO_PEERCRED, mirroring getsockopt(SOL_SOCKET, SO_PEERCRED) in
// ControllerConnection::initialize. golang.org/x/sys/unix is the only
// place in the retrieved corpus that reaches past the standard library
// for raw syscalls (src/miniccc/main_windows.go imports its windows
// counterpart), so this is the idiomatic way to get at a credential the
// standard library doesn't expose.
func peerUsername(conn *net.UnixConn) (string, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return "", err
	}

	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return "", err
	}
	if sockErr != nil {
		return "", sockErr
	}

	u, err := user.LookupId(strconv.Itoa(int(cred.Uid)))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
