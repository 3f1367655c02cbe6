package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Digests are of the form "algorithm:hex", with the only algorithm we
// accept being sha256. Docker sends hex both upper- and lowercased; we
// canonicalize incoming digests to lower case and store them that way.

// makeDigest returns the canonical digest string for buf,
// "sha256:<lowercase hex>".
func makeDigest(buf []byte) string {
	return digest.FromBytes(buf).String()
}

func digestcanon(s string) (string, RegistryError, error) {
	d, err := digest.Parse(strings.ToLower(s))
	if errors.Is(err, digest.ErrDigestUnsupported) {
		return "", ErrorUnsupported, fmt.Errorf("digest algorithm in %q not supported", s)
	}
	if err != nil {
		return "", ErrorDigestInvalid, err
	}
	if d.Algorithm() != digest.SHA256 {
		return "", ErrorUnsupported, fmt.Errorf("digest algorithm %q not supported", d.Algorithm())
	}
	return d.String(), "", nil
}

func xdigestcanon(s string) string {
	dgst, regErr, err := digestcanon(s)
	if err != nil {
		xerrorf(http.StatusBadRequest, regErr, "%s", err)
	}
	return dgst
}
