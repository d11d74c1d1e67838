// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package session

import (
	"sync"

	"github.com/sandia-minimega/vncmanager/internal/config"
)

// Registry tracks every live Session, grounded on
// original_source/XvncManager.cpp. A Registry is safe for concurrent use
// from the listener's per-connection goroutines and from the signal
// handler that reaps dead children.
type Registry struct {
	cfg *config.Config

	mu      sync.Mutex
	byID    map[int]*Session
	nextID  int
	version int
}

// NewRegistry builds an empty Registry bound to cfg for spawning new
// sessions.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:  cfg,
		byID: map[int]*Session{},
	}
}

// CreateSession spawns a new Xvnc process and registers it.
func (r *Registry) CreateSession(queryDisplayManager bool) (*Session, error) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.mu.Unlock()

	s, err := spawn(spawnConfig{
		RunDir:   r.cfg.RunDir,
		Geometry: r.cfg.Geometry,
		Query:    r.cfg.Query,
		Xvnc:     r.cfg.Xvnc,
		Xauth:    r.cfg.Xauth,
		XvncArgs: r.cfg.XvncArgs,
	}, id, queryDisplayManager)
	if err != nil {
		return nil, err
	}
	s.registry = r

	r.mu.Lock()
	r.byID[id] = s
	r.version++
	r.mu.Unlock()

	return s, nil
}

// Get looks up a session by its internal id.
func (r *Registry) Get(id int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// GetByDisplayNumber looks up a session by its X display number, used by
// control-socket connections which only know their own DISPLAY.
func (r *Registry) GetByDisplayNumber(displayNumber int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.DisplayNumber() == displayNumber {
			return s, true
		}
	}
	return nil, false
}

// List returns a snapshot of every tracked session.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Version increases every time the session list or any session's visible
// attributes change; greeters poll it to know when to resend their list.
func (r *Registry) Version() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// HasVisibleSessions reports whether any tracked session is currently
// visible, used to decide whether a connecting client needs the greeter at
// all (spec.md §5.2).
func (r *Registry) HasVisibleSessions() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.Visible() {
			return true
		}
	}
	return false
}

// ChildDied removes the session whose Xvnc process exited with pid, if
// any. Called from the supervisor's SIGCHLD reaper.
func (r *Registry) ChildDied(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.byID {
		if s.Pid() == pid {
			delete(r.byID, id)
			r.version++
			s.cleanup()
			return
		}
	}
}

func (r *Registry) notifyChanged() {
	r.mu.Lock()
	r.version++
	r.mu.Unlock()
}

// NewForTesting registers and returns a bare Session with no backing Xvnc
// process, for tests in other packages that only need something to call
// MarkVisible/SetDesktopName/IsKeyApproved on.
func NewForTesting(r *Registry, id int) *Session {
	s := &Session{
		registry:     r,
		id:           id,
		approvedKeys: map[string]bool{},
	}

	r.mu.Lock()
	r.byID[id] = s
	r.mu.Unlock()

	return s
}
