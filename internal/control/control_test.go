package control

import (
	"testing"

	"github.com/sandia-minimega/vncmanager/internal/config"
	"github.com/sandia-minimega/vncmanager/internal/session"
)

func TestHandleCommandVisible(t *testing.T) {
	r := session.NewRegistry(&config.Config{})
	s := session.NewForTesting(r, 0)

	handleCommand(s, "VISIBLE true\n")
	if !s.Visible() {
		t.Errorf("expected session to be visible")
	}

	handleCommand(s, "VISIBLE false\n")
	if s.Visible() {
		t.Errorf("expected session to be hidden")
	}
}

func TestHandleCommandVisibleYesNo(t *testing.T) {
	r := session.NewRegistry(&config.Config{})
	s := session.NewForTesting(r, 0)

	handleCommand(s, "VISIBLE YES\n")
	if !s.Visible() {
		t.Errorf("expected session to be visible")
	}

	handleCommand(s, "VISIBLE no\n")
	if s.Visible() {
		t.Errorf("expected session to be hidden")
	}
}

func TestHandleCommandUnknownIgnored(t *testing.T) {
	r := session.NewRegistry(&config.Config{})
	s := session.NewForTesting(r, 0)

	handleCommand(s, "BOGUS\n")
	if s.Visible() {
		t.Errorf("unknown command must not change visibility")
	}
}

func TestHandleCommandMalformedVisible(t *testing.T) {
	r := session.NewRegistry(&config.Config{})
	s := session.NewForTesting(r, 0)

	handleCommand(s, "VISIBLE notabool\n")
	if s.Visible() {
		t.Errorf("malformed bool must not change visibility")
	}
}
