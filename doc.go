/*
Crate is a multi-tenant docker/OCI registry for teams hosting their own
container images.

  - Implements the registry v2 wire protocol: content-addressed blob
    storage with chunked and monolithic uploads, and manifests
    addressable by tag or digest. Both docker v2 and OCI manifest
    content-types are accepted.
  - Users sign in with Google or GitHub OAuth. The browser gets a signed
    session token in a cookie; docker and other registry clients
    authenticate with a personal access token (PAT) sent as the basic
    auth password or as a bearer token.
  - Repositories are created automatically on the first authorized push,
    with the pusher as owner. Owners grant read/write access to other
    users or to groups, or mark a repository public for anonymous pulls.
  - Personal access tokens are scope-limited (registry:read,
    registry:write, registry:admin), revocable, optionally expiring, and
    stored only as a hash. The plaintext token is shown exactly once.
  - A JSON API under /api manages tokens, groups, group membership and
    repository permissions; the web frontend is just another client of
    that API.
  - Metadata is stored with a builtin transactional database, for fast
    and consistent data. Blob contents are stored on the file system,
    per repository, keyed by digest.
  - Crate is a standalone static binary, easily reproducibly built, also
    when cross-compiled.

# Quickstart

Generate and edit a config file, then run the server:

	./crate describe >crate.conf
	# edit crate.conf: data directory, base URL, session secret,
	# OAuth client credentials for Google and/or GitHub.
	./crate testconfig crate.conf
	./crate serve

Sign in through the web interface, create a personal access token on
the settings page, and push:

	docker login registry.example.com    # any username, PAT as password
	docker push registry.example.com/myrepo:latest

# Access model

Every registry operation is gated on the effective permission of the
requesting principal for the named repository: a direct grant on the
repository wins, otherwise the best grant of any group the user belongs
to, otherwise public repositories allow read to anyone, including
anonymous clients. Permissions are ordered owner > write > read. A PAT
additionally caps what its owning user may do through it: a token scoped
registry:read can never write, whatever the user's own grants are.

Session tokens are signed and time-limited, but are also checked
against a live session record, so logging out invalidates a token
immediately.

# Storage

Blobs are stored sha256 content-addressed under data/blob/<repo>/, and
manifests in the database keyed by (repository, digest) with tags as
named references to digests. Pushing a manifest by tag also makes it
retrievable by its content digest, byte for byte identical. Deletion
and garbage collection of unreferenced blobs are deliberately not
implemented.
*/
package main
