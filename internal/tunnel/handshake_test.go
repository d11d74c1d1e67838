// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package tunnel

import (
	"reflect"
	"testing"

	"github.com/sandia-minimega/vncmanager/internal/rfb"
)

type fakeSecurityConfig struct {
	none, vencrypt bool
}

func (f fakeSecurityConfig) OffersNone() bool     { return f.none }
func (f fakeSecurityConfig) OffersVeNCrypt() bool { return f.vencrypt }

func TestServerOfferedSecurityTypesBoth(t *testing.T) {
	got := serverOfferedSecurityTypes(fakeSecurityConfig{none: true, vencrypt: true})
	want := []uint8{rfb.SecurityNone, rfb.SecurityVeNCrypt}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestServerOfferedSecurityTypesNoneOnly(t *testing.T) {
	got := serverOfferedSecurityTypes(fakeSecurityConfig{none: true})
	want := []uint8{rfb.SecurityNone}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestServerOfferedSecurityTypesVeNCryptOnly(t *testing.T) {
	got := serverOfferedSecurityTypes(fakeSecurityConfig{vencrypt: true})
	want := []uint8{rfb.SecurityVeNCrypt}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestServerOfferedSecurityTypesNone(t *testing.T) {
	got := serverOfferedSecurityTypes(fakeSecurityConfig{})
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}
