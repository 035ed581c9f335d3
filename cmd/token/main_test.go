package main

import (
	"bytes"
	"strings"
	"testing"

	"qrattend/internal/auth"
)

func TestRunMintsInstructorToken(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-i", "T1", "--key", "secret", "--issuer", "qrattend", "--ttl", "1h"}, &out); err != nil {
		t.Fatal(err)
	}
	claims, err := auth.Parse(strings.TrimSpace(out.String()), "secret", "qrattend")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "T1" || claims.Role != auth.RoleInstructor {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	tests := [][]string{
		{"--key", "secret"},
		{"-i", "T1", "--ttl=-5m"},
		{"--no-such-flag"},
	}
	for _, args := range tests {
		var out bytes.Buffer
		if err := run(args, &out); err == nil {
			t.Fatalf("run(%v) succeeded", args)
		}
	}
}
