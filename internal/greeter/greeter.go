// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package greeter spawns and speaks the line-oriented protocol to the
// chooser subprocess a viewer sees when no back-end has been selected yet
// (spec.md §5.3). Grounded on
// original_source/GreeterConnection.cpp/GreeterConnection.h.
package greeter

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	log "github.com/sandia-minimega/vncmanager/pkg/minilog"

	"github.com/sandia-minimega/vncmanager/internal/session"
)

// NewSessionHandler is invoked when the greeter's user asks for a brand
// new session.
type NewSessionHandler func()

// OpenSessionHandler is invoked when the greeter's user picks an existing
// session by id.
type OpenSessionHandler func(id int)

// PasswordHandler receives a password typed in response to AskForPassword.
type PasswordHandler func(password string)

// CredentialsHandler receives a username/password pair typed in response
// to AskForCredentials.
type CredentialsHandler func(username, password string)

// Greeter drives one greeter subprocess over its stdin/stdout.
type Greeter struct {
	registry *session.Registry

	newSessionHandler  NewSessionHandler
	openSessionHandler OpenSessionHandler

	mu                 sync.Mutex
	passwordHandler    PasswordHandler
	credentialsHandler CredentialsHandler

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	pid int

	deadMu sync.Mutex
	dead   bool

	lastSentVersion int
}

// Spawn starts the configured greeter binary with DISPLAY and XAUTHORITY
// pointed at display, mirroring GreeterConnection::GreeterConnection.
func Spawn(binary, display, xauthFilename string, registry *session.Registry, newSessionHandler NewSessionHandler, openSessionHandler OpenSessionHandler) (*Greeter, error) {
	cmd := exec.Command(binary)
	cmd.Env = []string{
		"DISPLAY=" + display,
		"XAUTHORITY=" + xauthFilename,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("greeter: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("greeter: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("greeter: starting %s: %w", binary, err)
	}

	g := &Greeter{
		registry:           registry,
		newSessionHandler:  newSessionHandler,
		openSessionHandler: openSessionHandler,
		cmd:                cmd,
		stdin:              stdin,
		stdout:             bufio.NewReader(stdout),
		pid:                cmd.Process.Pid,
	}

	log.Debug("spawned greeter (pid: %d, display: %s)", g.pid, display)

	return g, nil
}

// Pid is the greeter subprocess's pid. The supervisor's SIGCHLD reaper
// reports reaped pids only to the session registry, not to greeters.
func (g *Greeter) Pid() int { return g.pid }

// Close terminates the greeter subprocess unless it's already dead.
func (g *Greeter) Close() {
	g.deadMu.Lock()
	dead := g.dead
	g.deadMu.Unlock()

	log.Debug("terminating greeter (dead: %v, pid: %d)", dead, g.pid)

	if !dead {
		g.cmd.Process.Kill()
	}
	g.stdin.Close()
}

// MarkDead records that the subprocess has already exited, so Close
// doesn't try to signal it again.
func (g *Greeter) MarkDead() {
	log.Debug("greeter died (pid: %d)", g.pid)
	g.deadMu.Lock()
	g.dead = true
	g.deadMu.Unlock()
}

// Update resends the session list if the registry's version has advanced
// since the last send, mirroring GreeterConnection::update.
func (g *Greeter) Update() error {
	g.deadMu.Lock()
	dead := g.dead
	g.deadMu.Unlock()
	if dead {
		return fmt.Errorf("greeter: died unexpectedly")
	}

	current := g.registry.Version()
	if g.lastSentVersion >= current {
		return nil
	}
	g.lastSentVersion = current
	return g.sendSessions()
}

// Stdout exposes the subprocess's stdout for registration with a readiness
// selector.
func (g *Greeter) Stdout() *bufio.Reader { return g.stdout }

// AskForPassword requests a password from the greeter's user.
func (g *Greeter) AskForPassword(h PasswordHandler) error {
	g.mu.Lock()
	g.passwordHandler = h
	g.mu.Unlock()
	return g.writeLine("GET PASSWORD")
}

// AskForCredentials requests a username/password pair from the greeter's
// user.
func (g *Greeter) AskForCredentials(h CredentialsHandler) error {
	g.mu.Lock()
	g.credentialsHandler = h
	g.mu.Unlock()
	return g.writeLine("GET CREDENTIALS")
}

// ShowError displays an authentication error in the greeter.
func (g *Greeter) ShowError(message string) error {
	if _, err := fmt.Fprintf(g.stdin, "ERROR\n%s\nEND ERROR\n", message); err != nil {
		return fmt.Errorf("greeter: write: %w", err)
	}
	return nil
}

func (g *Greeter) sendSessions() error {
	sessions := g.registry.List()

	visible := make([]*session.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Visible() {
			visible = append(visible, s)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SESSIONS\n%d\n", len(visible))
	for _, s := range visible {
		fmt.Fprintf(&b, "%d %s %s\n", s.ID(), s.SessionUsername(), s.DesktopName())
	}

	if _, err := io.WriteString(g.stdin, b.String()); err != nil {
		return fmt.Errorf("greeter: write: %w", err)
	}
	return nil
}

func (g *Greeter) writeLine(line string) error {
	if _, err := fmt.Fprintln(g.stdin, line); err != nil {
		return fmt.Errorf("greeter: write: %w", err)
	}
	return nil
}

// Receive reads and dispatches one command line from the greeter's
// stdout, mirroring GreeterConnection::receive. Call it whenever the
// selector reports Stdout is ready.
func (g *Greeter) Receive() error {
	line, err := g.stdout.ReadString('\n')
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "NEW":
		g.newSessionHandler()

	case "OPEN":
		if len(fields) < 2 {
			return fmt.Errorf("greeter: malformed OPEN command")
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("greeter: malformed OPEN command: %w", err)
		}
		g.openSessionHandler(id)

	case "PASSWORD":
		if len(fields) < 2 {
			return fmt.Errorf("greeter: malformed PASSWORD command")
		}
		g.mu.Lock()
		h := g.passwordHandler
		g.passwordHandler = nil
		g.mu.Unlock()
		if h != nil {
			h(fields[1])
		}

	case "CREDENTIALS":
		if len(fields) < 3 {
			return fmt.Errorf("greeter: malformed CREDENTIALS command")
		}
		g.mu.Lock()
		h := g.credentialsHandler
		g.credentialsHandler = nil
		g.mu.Unlock()
		if h != nil {
			h(fields[1], fields[2])
		}
	}

	return nil
}
