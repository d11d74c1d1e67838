package config

import (
	"reflect"
	"testing"

	"github.com/sandia-minimega/vncmanager/internal/rfb"
)

func TestParseSecurity(t *testing.T) {
	cases := []struct {
		in   string
		want []rfb.VeNCryptSubtype
	}{
		{"TLS,X509,None", []rfb.VeNCryptSubtype{rfb.VeNCryptTLSNone, rfb.VeNCryptX509None, rfb.VeNCryptNone}},
		{"None", []rfb.VeNCryptSubtype{rfb.VeNCryptNone}},
		{"TLS", []rfb.VeNCryptSubtype{rfb.VeNCryptTLSNone}},
	}

	for _, c := range cases {
		got, err := parseSecurity(c.in)
		if err != nil {
			t.Fatalf("parseSecurity(%q): %v", c.in, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("parseSecurity(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseSecurityRejectsUnknown(t *testing.T) {
	if _, err := parseSecurity("Bogus"); err == nil {
		t.Errorf("expected error for unknown security type")
	}
}

func TestParseSecurityRejectsEmpty(t *testing.T) {
	if _, err := parseSecurity(""); err == nil {
		t.Errorf("expected error for empty security list")
	}
}

func TestTokenizeShellArgs(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`-foo bar`, []string{"-foo", "bar"}},
		{`-foo "bar baz"`, []string{"-foo", "bar baz"}},
		{`-foo\ bar`, []string{"-foo bar"}},
		{``, nil},
		{`  `, nil},
	}

	for _, c := range cases {
		got, err := tokenizeShellArgs(c.in)
		if err != nil {
			t.Fatalf("tokenizeShellArgs(%q): %v", c.in, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("tokenizeShellArgs(%q) = %#v, want %#v", c.in, got, c.want)
		}
	}
}

func TestTokenizeShellArgsUnterminatedQuote(t *testing.T) {
	if _, err := tokenizeShellArgs(`-foo "bar`); err == nil {
		t.Errorf("expected error for unterminated quote")
	}
}
