// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package session spawns and tracks the Xvnc back-end processes vncmanager
// proxies for (spec.md §5). Grounded on original_source/Xvnc.cpp and
// original_source/XvncManager.cpp for the process lifecycle, and on
// cmd/minimega/container.go for the Go idiom of building a child's argv and
// ExtraFiles by hand around exec.Cmd rather than a higher-level process
// supervisor package (none of which appear anywhere in the retrieved
// corpus).
package session

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	log "github.com/sandia-minimega/vncmanager/pkg/minilog"
)

// ControllerKeyPrefix marks a SetDesktopName call that is really a
// controller key approval, not a real desktop name (spec.md §5.4).
const ControllerKeyPrefix = "CONTROLLER_KEY:"

// allowOverride lists the Xvnc ParamList settings vncmanager permits
// clients to override, mirroring Xvnc::execute in original_source/Xvnc.cpp.
const allowOverride = "Desktop,AcceptPointerEvents,SendCutText,AcceptCutText," +
	"MaxDisconnectionTime,MaxConnectionTime,MaxIdleTime,QueryConnect,QueryConnectTimeOut,AlwaysShared,NeverShared,DisconnectClients," +
	"SecurityTypes,Password,PlainUsers"

// Session tracks one running Xvnc process and the unix socket vncmanager
// dials to reach it.
type Session struct {
	registry *Registry

	id  int
	pid int

	socketFilename string

	displayNumber int
	display       string
	xauthFilename string
	xauthCookie   string

	mu               sync.Mutex
	connectionCount  int
	visible          bool
	desktopName      string
	sessionUsername  string
	approvedKeys     map[string]bool
}

// ID is the internal session identifier used in the greeter's session list
// and by controllers to name which display they're approved for.
func (s *Session) ID() int { return s.id }

// Pid is the Xvnc process's pid.
func (s *Session) Pid() int { return s.pid }

// DisplayNumber is the X display number Xvnc was assigned.
func (s *Session) DisplayNumber() int { return s.displayNumber }

// Display is the X display string, e.g. ":7".
func (s *Session) Display() string { return s.display }

// XauthFilename is the path to the xauth cookie file for this session, or
// empty for XDMCP-spawned sessions which don't have one.
func (s *Session) XauthFilename() string { return s.xauthFilename }

// Visible reports whether this session should be offered by the greeter.
func (s *Session) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// MarkVisible flips the session's visibility and bumps the registry's
// session list version if it actually changed.
func (s *Session) MarkVisible(v bool) {
	s.mu.Lock()
	changed := s.visible != v
	s.visible = v
	s.mu.Unlock()

	if changed {
		s.registry.notifyChanged()
	}
}

// DesktopName is the name VNC clients see in ServerInit.
func (s *Session) DesktopName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desktopName
}

// SetDesktopName updates the session's advertised name, unless name carries
// the controller-key prefix, in which case it instead approves that key for
// control-socket access (spec.md §5.4, §7).
func (s *Session) SetDesktopName(name string) {
	s.mu.Lock()
	if strings.HasPrefix(name, ControllerKeyPrefix) {
		key := strings.TrimPrefix(name, ControllerKeyPrefix)
		s.approvedKeys[key] = true
		s.mu.Unlock()
		return
	}

	changed := s.desktopName != name
	s.desktopName = name
	s.mu.Unlock()

	if changed {
		s.registry.notifyChanged()
	}
}

// SessionUsername is the unix username of the last approved controller, if
// any.
func (s *Session) SessionUsername() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionUsername
}

// SetSessionUsername records the unix username SO_PEERCRED resolved for an
// approved controller connection.
func (s *Session) SetSessionUsername(username string) {
	s.mu.Lock()
	changed := s.sessionUsername != username
	s.sessionUsername = username
	s.mu.Unlock()

	if changed {
		s.registry.notifyChanged()
	}
}

// IsKeyApproved reports whether key was approved via a prior
// CONTROLLER_KEY: desktop name update.
func (s *Session) IsKeyApproved(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvedKeys[key]
}

// Connect dials a new connection to this session's Xvnc process.
func (s *Session) Connect() (net.Conn, error) {
	conn, err := net.Dial("unix", s.socketFilename)
	if err != nil {
		return nil, fmt.Errorf("session: connect #%d: %w", s.id, err)
	}

	s.mu.Lock()
	s.connectionCount++
	s.mu.Unlock()

	return conn, nil
}

// Disconnect records that a VNC client using this session went away.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.connectionCount--
	s.mu.Unlock()
}

// cleanup unlinks the filesystem state backing a session whose Xvnc process
// has exited, mirroring XvncManager's teardown of the socket and xauth
// files it created in spawn. XDMCP sessions never had an xauth file.
func (s *Session) cleanup() {
	os.Remove(s.socketFilename)
	if s.xauthFilename != "" {
		os.Remove(s.xauthFilename)
	}
}

// spawn starts the Xvnc child process and, if this isn't an XDMCP session,
// the xauth cookie generation for it. Grounded step by step on
// Xvnc::execute and Xvnc::generateXAuthorityFile in
// original_source/Xvnc.cpp.
func spawn(cfg spawnConfig, id int, queryDisplayManager bool) (*Session, error) {
	socketDir := filepath.Join(cfg.RunDir, "socket")
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	socketFilename := filepath.Join(socketDir, strconv.Itoa(id))
	os.Remove(socketFilename)

	ln, err := net.Listen("unix", socketFilename)
	if err != nil {
		return nil, fmt.Errorf("session: listen: %w", err)
	}
	unixLn := ln.(*net.UnixListener)
	lnFile, err := unixLn.File()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("session: listener fd: %w", err)
	}
	// The duplicated fd keeps the socket alive in the child; our copy can
	// close once exec has taken place.
	defer lnFile.Close()

	s := &Session{
		id:             id,
		socketFilename: socketFilename,
		approvedKeys:   map[string]bool{},
	}

	var xauthFilename string
	if !queryDisplayManager {
		authDir := filepath.Join(cfg.RunDir, "auth")
		if err := os.MkdirAll(authDir, 0700); err != nil {
			ln.Close()
			return nil, fmt.Errorf("session: %w", err)
		}
		xauthFilename = filepath.Join(authDir, strconv.Itoa(id))
	}

	displayNumberR, displayNumberW, err := os.Pipe()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("session: pipe: %w", err)
	}

	args := []string{
		"-log", "*:syslog:30,TcpSocket:syslog:-1",
		"-inetd",
		"-MaxDisconnectionTime=5",
		"-securitytypes=none",
		"-displayfd", "3",
		"-geometry", cfg.Geometry,
		"-AllowOverride=" + allowOverride,
	}
	if queryDisplayManager {
		args = append(args, "-query", cfg.Query, "-once", "-desktop", "New session")
	} else {
		args = append(args, "-auth", xauthFilename, "-desktop", "VNC manager")
	}
	args = append(args, cfg.XvncArgs...)

	cmd := exec.Command(cfg.Xvnc, args...)
	cmd.Stdin = lnFile
	cmd.Stdout = lnFile
	cmd.ExtraFiles = []*os.File{displayNumberW}

	if err := cmd.Start(); err != nil {
		ln.Close()
		displayNumberR.Close()
		displayNumberW.Close()
		return nil, fmt.Errorf("session: starting xvnc: %w", err)
	}
	displayNumberW.Close()

	displayNumber, err := readDisplayNumber(displayNumberR)
	displayNumberR.Close()
	if err != nil {
		cmd.Process.Kill()
		ln.Close()
		return nil, fmt.Errorf("session: %w", err)
	}

	s.pid = cmd.Process.Pid
	s.displayNumber = displayNumber
	s.display = ":" + strconv.Itoa(displayNumber)
	s.xauthFilename = xauthFilename

	if !queryDisplayManager {
		if err := generateXAuthorityFile(cfg.Xauth, s); err != nil {
			cmd.Process.Kill()
			ln.Close()
			return nil, fmt.Errorf("session: %w", err)
		}
	}

	log.Info("spawned xvnc (id: #%d, pid: %d, display: %s)", s.id, s.pid, s.display)

	return s, nil
}

func readDisplayNumber(r *os.File) (int, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("xvnc did not report display number correctly: %w", err)
	}

	n := 0
	for _, c := range strings.TrimSpace(line) {
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func generateXAuthorityFile(xauthBinary string, s *Session) error {
	cookie, err := randomHexCookie(32)
	if err != nil {
		return fmt.Errorf("generating xauth cookie: %w", err)
	}
	s.xauthCookie = cookie

	f, err := os.OpenFile(s.xauthFilename, os.O_RDWR|os.O_CREATE, 0770)
	if err != nil {
		return fmt.Errorf("creating xauth file: %w", err)
	}
	f.Close()

	cmd := exec.Command(xauthBinary, "-f", s.xauthFilename, "-q")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("xauth stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting xauth: %w", err)
	}

	fmt.Fprintf(stdin, "remove %s\n", s.display)
	fmt.Fprintf(stdin, "add %s . %s\n", s.display, cookie)
	fmt.Fprintf(stdin, "exit\n")
	stdin.Close()

	return cmd.Wait()
}

func randomHexCookie(n int) (string, error) {
	const digits = "0123456789abcdef"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf), nil
}

// spawnConfig is the subset of config.Config spawn needs, copied out of
// the registry's config by Registry.CreateSession.
type spawnConfig struct {
	RunDir   string
	Geometry string
	Query    string
	Xvnc     string
	Xauth    string
	XvncArgs []string
}
