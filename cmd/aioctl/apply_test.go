package main

import (
	"testing"

	"github.com/manish-psys/aioctl/internal/resource"
)

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds("pool, unit,ini-key")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(kinds) != 3 || kinds[0] != resource.KindPool || kinds[2] != resource.KindINIKey {
		t.Fatalf("kinds = %v", kinds)
	}
	if _, err := parseKinds("pool,flavor"); err == nil {
		t.Fatalf("unknown kind must be rejected")
	}
}
