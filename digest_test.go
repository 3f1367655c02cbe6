package main

import (
	"strings"
	"testing"
)

func TestDigest(t *testing.T) {
	if d := makeDigest([]byte("hello")); d != "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("unexpected digest %q for hello", d)
	}

	good := makeDigest([]byte("x"))
	canon, regErr, err := digestcanon(good)
	if err != nil || canon != good {
		t.Fatalf("canonicalizing %q: %q %q %v", good, canon, regErr, err)
	}

	// Docker sends uppercased hex at times, we canonicalize to lower.
	parts := strings.SplitN(good, ":", 2)
	canon, _, err = digestcanon(parts[0] + ":" + strings.ToUpper(parts[1]))
	if err != nil || canon != good {
		t.Fatalf("canonicalizing uppercase: %q %v", canon, err)
	}

	_, regErr, err = digestcanon("sha999:" + strings.Repeat("0", 64))
	if err == nil || regErr != ErrorUnsupported {
		t.Fatalf("expected unsupported for sha999, got %q %v", regErr, err)
	}
	_, regErr, err = digestcanon("sha512:" + strings.Repeat("0", 128))
	if err == nil || regErr != ErrorUnsupported {
		t.Fatalf("expected unsupported for sha512, got %q %v", regErr, err)
	}
	_, regErr, err = digestcanon("sha256:fff")
	if err == nil || regErr != ErrorDigestInvalid {
		t.Fatalf("expected invalid for short hex, got %q %v", regErr, err)
	}
	_, regErr, err = digestcanon("bogus")
	if err == nil || regErr != ErrorDigestInvalid {
		t.Fatalf("expected invalid for junk, got %q %v", regErr, err)
	}
}
