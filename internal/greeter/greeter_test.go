package greeter

import (
	"bufio"
	"strings"
	"testing"

	"github.com/sandia-minimega/vncmanager/internal/config"
	"github.com/sandia-minimega/vncmanager/internal/session"
)

func newTestGreeter(input string) (*Greeter, *int, *[]int) {
	newCount := 0
	var opened []int

	g := &Greeter{
		registry: session.NewRegistry(&config.Config{}),
		stdout:   bufio.NewReader(strings.NewReader(input)),
		newSessionHandler: func() {
			newCount++
		},
		openSessionHandler: func(id int) {
			opened = append(opened, id)
		},
	}
	return g, &newCount, &opened
}

func TestReceiveNew(t *testing.T) {
	g, newCount, _ := newTestGreeter("NEW\n")
	if err := g.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if *newCount != 1 {
		t.Errorf("got %d, want 1", *newCount)
	}
}

func TestReceiveOpen(t *testing.T) {
	g, _, opened := newTestGreeter("OPEN 5\n")
	if err := g.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(*opened) != 1 || (*opened)[0] != 5 {
		t.Errorf("got %v, want [5]", *opened)
	}
}

func TestReceivePassword(t *testing.T) {
	g, _, _ := newTestGreeter("PASSWORD hunter2\n")

	var got string
	g.passwordHandler = func(p string) { got = p }

	if err := g.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("got %q, want hunter2", got)
	}
}

func TestReceiveCredentials(t *testing.T) {
	g, _, _ := newTestGreeter("CREDENTIALS alice hunter2\n")

	var user, pass string
	g.credentialsHandler = func(u, p string) { user, pass = u, p }

	if err := g.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if user != "alice" || pass != "hunter2" {
		t.Errorf("got %q/%q, want alice/hunter2", user, pass)
	}
}
