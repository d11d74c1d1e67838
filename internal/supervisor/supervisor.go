// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package supervisor owns the listening sockets, the accept loop, and
// signal handling for one vncmanager process. Grounded on
// original_source/Server.cpp/.h (multi-address listen, SIGCHLD reaping)
// and cmd/minimega/main.go (the Go idiom of a package-level shutdown
// channel fed by signal.Notify instead of a blocking signalfd select).
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	log "github.com/sandia-minimega/vncmanager/pkg/minilog"

	"github.com/sandia-minimega/vncmanager/internal/config"
	"github.com/sandia-minimega/vncmanager/internal/session"
	"github.com/sandia-minimega/vncmanager/internal/tlsutil"
	"github.com/sandia-minimega/vncmanager/internal/tunnel"
)

// Supervisor owns every listening socket for one run and dispatches
// accepted connections to internal/tunnel.
type Supervisor struct {
	cfg      *config.Config
	tls      *tlsutil.Provider
	registry *session.Registry

	listeners []net.Listener

	wg sync.WaitGroup
}

// New opens a listener for every configured address, mirroring
// Server::listen. An address that fails to resolve or bind is logged and
// skipped, matching the original's "keep trying the rest" behavior; it is
// only fatal if none bind at all.
func New(cfg *config.Config, tls *tlsutil.Provider, registry *session.Registry) (*Supervisor, error) {
	addresses := cfg.Listen
	if len(addresses) == 0 {
		addresses = []string{""}
	}

	s := &Supervisor{cfg: cfg, tls: tls, registry: registry}
	for _, address := range addresses {
		ls, err := listenAddress(address, cfg.Port)
		if err != nil {
			log.Info("supervisor: %v", err)
			continue
		}
		s.listeners = append(s.listeners, ls...)
	}

	if len(s.listeners) == 0 {
		return nil, fmt.Errorf("supervisor: could not bind to any address")
	}
	return s, nil
}

// listenAddress opens one listener per address family address resolves to,
// so an IPv4 and an IPv6 listener never contend over a single dual-stack
// socket the way a bare "tcp"/"" Listen would.
func listenAddress(address, port string) ([]net.Listener, error) {
	if address == "" {
		return listenBothFamilies("", port)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), address)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", address, err)
	}

	var out []net.Listener
	for _, ip := range ips {
		network := "tcp4"
		if ip.IP.To4() == nil {
			network = "tcp6"
		}
		ls, err := listenOne(network, net.JoinHostPort(ip.IP.String(), port))
		if err != nil {
			log.Info("supervisor: listen on %s: %v", ip, err)
			continue
		}
		out = append(out, ls)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("could not bind to any address for %q", address)
	}
	return out, nil
}

// listenBothFamilies is the wildcard-address case: original_source's
// getaddrinfo(NULL, ..., AI_PASSIVE) returns one INADDR_ANY result per
// family, and both get bound.
func listenBothFamilies(host, port string) ([]net.Listener, error) {
	var out []net.Listener

	if ls, err := listenOne("tcp4", net.JoinHostPort(host, port)); err == nil {
		out = append(out, ls)
	} else {
		log.Info("supervisor: listen tcp4: %v", err)
	}

	if ls, err := listenOne("tcp6", net.JoinHostPort(host, port)); err == nil {
		out = append(out, ls)
	} else {
		log.Info("supervisor: listen tcp6: %v", err)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("could not bind to any address")
	}
	return out, nil
}

// listenOne opens a single listener, forcing IPV6_V6ONLY on tcp6 sockets
// (Server::listen's explicit setsockopt after noticing AF_INET6).
func listenOne(network, address string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			if network != "tcp6" {
				return nil
			}
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), network, address)
}

// Run accepts connections on every listener until ctx is canceled or a
// terminating signal arrives, spawning one tunnel.Run goroutine per
// connection and reaping dead Xvnc children as they're reported, per
// Server::run/handleSignal.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	sigChld := make(chan os.Signal, 1)
	signal.Notify(sigChld, syscall.SIGCHLD)
	defer signal.Stop(sigChld)

	// A Go program never dies on SIGPIPE from a broken pipe write the way
	// the original's blocked-then-signalfd'd process would; writes simply
	// return EPIPE. We still ignore it explicitly so a greeter or Xvnc
	// child that inherited default disposition can't surprise us.
	signal.Ignore(syscall.SIGPIPE)

	for _, ls := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(ctx, ls)
	}

	go s.reapLoop(ctx, sigChld)

	select {
	case sg := <-sig:
		log.Info("supervisor: caught %v, shutting down", sg)
	case <-ctx.Done():
	}

	cancel()
	for _, ls := range s.listeners {
		ls.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Supervisor) acceptLoop(ctx context.Context, ls net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ls.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Info("supervisor: accept on %s: %v", ls.Addr(), err)
			continue
		}

		go func() {
			if err := tunnel.Run(s.cfg, s.tls, s.registry, conn); err != nil {
				log.Debug("tunnel from %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// reapLoop waits for SIGCHLD and reaps every exited child in a loop,
// mirroring Server::handleSignal's WNOHANG waitpid loop, and reports each
// one to the registry in case it was an Xvnc process.
func (s *Supervisor) reapLoop(ctx context.Context, sigChld <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigChld:
			for {
				var status syscall.WaitStatus
				pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
				if pid <= 0 || err != nil {
					break
				}
				s.registry.ChildDied(pid)
			}
		}
	}
}
