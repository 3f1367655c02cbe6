package main

/*
https://github.com/opencontainers/distribution-spec/blob/main/spec.md
https://docs.docker.com/registry/spec/api/
https://docs.docker.com/registry/spec/manifest-v2-2/
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mjl-/bstore"
)

// Errors is an error as returned in JSON format in HTTP failure responses.
type Errors struct {
	code   int     // HTTP status code.
	Errors []Error `json:"errors"`
}

// Error is one element of Errors.
type Error struct {
	Code    RegistryError `json:"code"`
	Message string        `json:"message"`
	Detail  any           `json:"detail"`
}

// RegistryError is a short error code, typically shown in output of
// docker image push/pull in case of errors.
type RegistryError string

const (
	ErrorBlobUnknown       RegistryError = "BLOB_UNKNOWN"        // Blob unknown to registry.
	ErrorBlobUploadInvalid RegistryError = "BLOB_UPLOAD_INVALID" // Blob upload could not be initiated or finalized.
	ErrorBlobUploadUnknown RegistryError = "BLOB_UPLOAD_UNKNOWN" // Blob upload unknown to registry.
	ErrorDigestInvalid     RegistryError = "DIGEST_INVALID"      // Provided digest absent or did not match uploaded content.
	ErrorManifestInvalid   RegistryError = "MANIFEST_INVALID"    // Manifest invalid.
	ErrorManifestUnknown   RegistryError = "MANIFEST_UNKNOWN"    // Manifest unknown.
	ErrorNameInvalid       RegistryError = "NAME_INVALID"        // Invalid repository name.
	ErrorRangeInvalid      RegistryError = "RANGE_INVALID"       // Invalid content range.
	ErrorSizeInvalid       RegistryError = "SIZE_INVALID"        // Provided length did not match content length.
	ErrorUnauthorized      RegistryError = "UNAUTHORIZED"        // Authentication required.
	ErrorDenied            RegistryError = "DENIED"              // Requested access to the resource is denied.
	ErrorUnsupported       RegistryError = "UNSUPPORTED"         // The operation is unsupported.
	ErrorInternal          RegistryError = "INTERNAL_ERROR"      // Unexpected failure, detail withheld.
)

// Manifest content types we know how to parse. Unknown types are stored
// as-is after a JSON well-formedness check.
const (
	mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerList     = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// TagList is the response for /v2/<repo>/tags/list.
type TagList struct {
	Name string   `json:"name"` // Repository name.
	Tags []string `json:"tags"`
}

// Catalog lists repositories, for /v2/_catalog.
type Catalog struct {
	Repositories []string `json:"repositories"`
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetIndent("", "\t")
	err := enc.Encode(v)
	xcheckf(err, "marshal json response")
	buf := b.Bytes()

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Content-Length", fmt.Sprintf("%d", len(buf)))

	w.WriteHeader(code)
	w.Write(buf)
}

type registryPath struct {
	Name                                string
	Regexp                              *regexp.Regexp
	Head, Get, Post, Put, Patch, Delete func(reg registry, p principal, args []string, w http.ResponseWriter, r *http.Request)
}

// Handlers for registry. The first regexp element after /v2/ is a
// repository name. Currently no slash is allowed because of the regexp.
var registryPaths = []registryPath{
	{Name: "registryIndex", Regexp: regexp.MustCompile(`^/v2/$`),
		Head: registry.index,
		Get:  registry.index},

	{Name: "registryCatalog", Regexp: regexp.MustCompile(`^/v2/_catalog$`),
		Get: registry.catalog},

	{Name: "registryTags", Regexp: regexp.MustCompile(`^/v2/([a-z0-9]+(?:[\._-][a-z0-9]+)*)/tags/list$`),
		Get: registry.tags},

	// The element after manifests can be a tag, or a digest.
	{Name: "registryManifest", Regexp: regexp.MustCompile(`^/v2/([a-z0-9]+(?:[\._-][a-z0-9]+)*)/manifests/([A-Za-z0-9_+\.-]+:[a-fA-F0-9]+|[a-zA-Z0-9_][a-zA-Z0-9_\.-]{0,127})$`),
		Head: registry.manifestFetch,
		Get:  registry.manifestFetch,
		Put:  registry.manifestPut},

	{Name: "registryBlobUpload", Regexp: regexp.MustCompile(`^/v2/([a-z0-9]+(?:[\._-][a-z0-9]+)*)/blobs/uploads/$`),
		Post: registry.blobUploadPost},

	{Name: "registryBlobUpload", Regexp: regexp.MustCompile(`^/v2/([a-z0-9]+(?:[\._-][a-z0-9]+)*)/blobs/uploads/([^/]+)$`),
		Get:    registry.blobUploadGet,
		Patch:  registry.blobUploadPatch,
		Put:    registry.blobUploadPut,
		Delete: registry.blobUploadDelete},

	{Name: "registryBlob", Regexp: regexp.MustCompile(`^/v2/([a-z0-9]+(?:[\._-][a-z0-9]+)*)/blobs/([A-Za-z0-9_+\.-]+:[a-fA-F0-9]+)$`),
		Head: registry.blobFetch,
		Get:  registry.blobFetch},
}

type registry struct{}

func (reg registry) ServeHTTP(xw http.ResponseWriter, r *http.Request) {
	w := &loggingWriter{
		W:     xw,
		Start: time.Now(),
		R:     r,
		Op:    "(registry)",
	}

	defer func() {
		if w.WriteErr != nil && !isClosed(w.WriteErr) {
			logger.Errorw("writing response", "err", w.WriteErr)
		}

		x := recover()
		if x == nil {
			return
		}

		if err, ok := x.(serverErr); ok {
			logger.Errorw("internal server error", "err", err.err, "op", w.Op)
			respondJSON(w, http.StatusInternalServerError, Errors{http.StatusInternalServerError, []Error{{ErrorInternal, "internal server error", ""}}})
		} else if err, ok := x.(Errors); ok {
			if debugFlag {
				logger.Debugw("request error", "errors", err)
			}
			if err.code == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", `Basic realm="Docker Registry"`)
			}
			respondJSON(w, err.code, err)
		} else {
			metricPanic.WithLabelValues("registry").Inc()
			panic(x)
		}
	}()

	if debugFlag {
		logger.Debugw("registry request", "path", r.URL.Path, "method", r.Method)
	}

	// https://docs.docker.com/registry/deploying/#importantrequired-http-headers
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")

	// Resolve the credential, if any, to a principal once. Whether the
	// principal (or anonymous) may perform the operation on the
	// repository is decided per handler.
	p := xprincipal(r)

	for _, rp := range registryPaths {
		t := rp.Regexp.FindStringSubmatch(r.URL.Path)
		if t == nil {
			continue
		}

		w.Op = rp.Name

		var h func(registry, principal, []string, http.ResponseWriter, *http.Request)
		switch r.Method {
		case "HEAD":
			h = rp.Head
		case "GET":
			h = rp.Get
		case "POST":
			h = rp.Post
		case "PUT":
			h = rp.Put
		case "PATCH":
			h = rp.Patch
		case "DELETE":
			h = rp.Delete
		}
		if h == nil {
			xerrorf(http.StatusMethodNotAllowed, ErrorUnsupported, "method not supported")
		}
		h(reg, p, t[1:], w, r)
		return
	}
	xnotFound(ErrorUnsupported)
}

// xprincipal resolves the request credential. No credential means
// anonymous; a present but invalid credential is a hard 401.
func xprincipal(r *http.Request) principal {
	cred := extractCredential(r)
	p, err := verifyCredential(r.Context(), cred)
	if err == errBadCredentials {
		xunauthorized()
	}
	xcheckf(err, "verifying credentials")
	return p
}

// HEAD,GET /v2/
//
// Used to check if registry implements v2 protocol. No permission
// required, but a presented credential must be valid (checked in
// ServeHTTP).
func (reg registry) index(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// GET /v2/_catalog
//
// List repositories visible to the principal: public ones plus those
// granted directly or through a group.
func (reg registry) catalog(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	repos, err := bstore.QueryDB[DBRepo](r.Context(), database).SortAsc("Name").List()
	xcheckf(err, "listing repositories")
	resp := Catalog{Repositories: []string{}}
	for _, repo := range repos {
		level, err := resolvePermission(r.Context(), repo.Name, p.User.ID)
		xcheckf(err, "resolving permission")
		if level.Level() >= PermRead.Level() && p.ScopeCovers(ScopeRead) {
			resp.Repositories = append(resp.Repositories, repo.Name)
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// GET /v2/<name>/tags/list
//
// Return list of tags for the repository.
func (reg registry) tags(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	xauthorize(r.Context(), p, args[0], PermRead)

	// todo: pagination, when we need it.
	resp := TagList{Name: args[0], Tags: []string{}}
	q := bstore.QueryDB[DBTag](r.Context(), database)
	q.FilterNonzero(DBTag{Repo: args[0]})
	q.SortDesc("Modified")
	tags, err := q.List()
	xcheckf(err, "listing tags")
	for _, t := range tags {
		resp.Tags = append(resp.Tags, t.Tag)
	}
	respondJSON(w, http.StatusOK, resp)
}

// HEAD,GET /v2/<name>/manifests/<reference>
//
// Fetch a manifest by tag or digest. The digest header is the digest
// computed from the stored bytes when the manifest was pushed, never a
// cached or fabricated value.
func (reg registry) manifestFetch(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	xauthorize(r.Context(), p, args[0], PermRead)

	reference := args[1]
	var m DBManifest
	var err error
	if istag(reference) {
		t, err := bstore.QueryDB[DBTag](r.Context(), database).FilterNonzero(DBTag{Repo: args[0], Tag: reference}).Get()
		if err == bstore.ErrAbsent {
			xnotFound(ErrorManifestUnknown)
		}
		xcheckf(err, "looking up tag")
		reference = t.Digest
	} else {
		reference = xdigestcanon(reference)
	}
	m, err = bstore.QueryDB[DBManifest](r.Context(), database).FilterNonzero(DBManifest{Repo: args[0], Digest: reference}).Get()
	if err == bstore.ErrAbsent {
		xnotFound(ErrorManifestUnknown)
	}
	xcheckf(err, "looking up manifest")

	h := w.Header()
	h.Set("Content-Length", fmt.Sprintf("%d", len(m.Data)))
	h.Set("Docker-Content-Digest", m.Digest)
	h.Set("Content-Type", m.ContentType)
	w.WriteHeader(http.StatusOK)
	if r.Method != "HEAD" {
		w.Write(m.Data)
	}
}

// PUT /v2/<name>/manifests/<reference>
//
// Store a manifest by digest or tag. Pushing by tag also stores the
// manifest under its computed digest, so digest-pinned pulls work for
// anything pushed by tag. Re-pushing a tag overwrites it.
func (reg registry) manifestPut(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	repo := xensureRepo(r.Context(), p, args[0])
	xauthorize(r.Context(), p, repo.Name, PermWrite)

	reference := args[1]
	if !istag(reference) {
		reference = xdigestcanon(reference)
	}

	// Maximum manifest size of 100KB.
	body := http.MaxBytesReader(w, r.Body, 100*1024)
	defer body.Close()

	buf, err := io.ReadAll(body)
	xcheckf(err, "reading manifest json")
	if len(buf) == 0 {
		xerrorf(http.StatusBadRequest, ErrorManifestInvalid, "empty manifest")
	}

	dgst := makeDigest(buf)
	if !istag(reference) && dgst != reference {
		xerrorf(http.StatusBadRequest, ErrorDigestInvalid, "manifest has digest %s, not %s", dgst, reference)
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	xvalidManifest(buf, ct)

	err = database.Write(r.Context(), func(tx *bstore.Tx) error {
		// Ensure manifest exists for the repo, it may already be present.
		exists, err := bstore.QueryTx[DBManifest](tx).FilterNonzero(DBManifest{Repo: repo.Name, Digest: dgst}).Exists()
		xcheckf(err, "checking if manifest exists in database")
		if !exists {
			err := tx.Insert(&DBManifest{Repo: repo.Name, Digest: dgst, ContentType: ct, Data: buf})
			xcheckf(err, "inserting manifest in database")
		}

		// If tag, add it to database, overwriting an existing tag. Last
		// writer wins.
		if istag(reference) {
			_, err := bstore.QueryTx[DBTag](tx).FilterNonzero(DBTag{Repo: repo.Name, Tag: reference}).Delete()
			xcheckf(err, "removing existing tag for repo")

			err = tx.Insert(&DBTag{Repo: repo.Name, Tag: reference, Digest: dgst})
			xcheckf(err, "inserting tag into repo")
		}

		now := time.Now()
		repo.LastPushed = now
		repo.Updated = now
		err = tx.Update(&repo)
		xcheckf(err, "updating repo push time")

		return nil
	})
	xcheckf(err, "adding manifest")

	h := w.Header()
	h.Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repo.Name, reference))
	h.Set("Content-Length", "0")
	h.Set("Docker-Content-Digest", dgst)
	w.WriteHeader(http.StatusCreated)
}

// xvalidManifest rejects manifests that don't parse. For the docker and
// OCI image/index content-types we parse into their schema; anything
// else only needs to be well-formed JSON.
func xvalidManifest(buf []byte, ct string) {
	var err error
	switch ct {
	case mediaTypeDockerManifest, ocispec.MediaTypeImageManifest:
		var m ocispec.Manifest
		err = json.Unmarshal(buf, &m)
	case mediaTypeDockerList, ocispec.MediaTypeImageIndex:
		var ix ocispec.Index
		err = json.Unmarshal(buf, &ix)
	default:
		if !json.Valid(buf) {
			err = fmt.Errorf("invalid json")
		}
	}
	if err != nil {
		xerrorf(http.StatusBadRequest, ErrorManifestInvalid, "parsing manifest: %v", err)
	}
}

// blobPath is where a blob's content lives in the file system. Blobs
// are scoped to their repository.
func blobPath(repo, digest string) string {
	return filepath.Join(config.DataDir, "blob", repo, digest)
}

// POST /v2/<name>/blobs/uploads/
//
// Start a blob upload for later appending with patch calls, or, with a
// digest query parameter, store the request body directly as a complete
// blob, bypassing session state.
func (reg registry) blobUploadPost(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	repo := xensureRepo(r.Context(), p, args[0])
	xauthorize(r.Context(), p, repo.Name, PermWrite)

	// If a digest query string is present, the body is the full blob. If
	// no digest is present, this starts an upload to which later PATCH
	// calls add data, and that is finished with a PUT call.
	dgst := r.URL.Query().Get("digest")
	if dgst == "" {
		up, err := newUpload(repo.Name)
		if err != nil {
			xerrorf(http.StatusInternalServerError, ErrorBlobUploadInvalid, "starting upload: %v", err)
		}
		respondAccepted(w, repo, up)
		return
	}

	// Direct full blob as upload, not resumable.
	dgst = xdigestcanon(dgst)

	// Store the file to a temporary location, calculating the digest
	// along the way.
	os.MkdirAll(filepath.Join(config.DataDir, "tmp"), 0755)
	f, err := os.CreateTemp(filepath.Join(config.DataDir, "tmp"), "crate-blob")
	xcheckf(err, "creating temp file")
	defer func() {
		if f != nil {
			err := os.Remove(f.Name())
			logCheck(err, "removing temporary blob file")
			err = f.Close()
			logCheck(err, "closing temporary blob file")
		}
	}()
	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), r.Body)
	xcheckf(err, "copying blob data")
	if ldigest := digester.Digest().String(); dgst != ldigest {
		xerrorf(http.StatusBadRequest, ErrorDigestInvalid, "blob has digest %s, not %s", ldigest, dgst)
	}

	err = database.Write(context.Background(), func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[DBBlob](tx).FilterNonzero(DBBlob{Repo: repo.Name, Digest: dgst}).Exists()
		xcheckf(err, "checking if blob exists in database")
		if !exists {
			err := tx.Insert(&DBBlob{Repo: repo.Name, Digest: dgst, Size: n})
			xcheckf(err, "inserting blob in database")

			err = setBlobPermissions(f)
			xcheckf(err, "setting file permissions")
			dst := blobPath(repo.Name, dgst)
			os.MkdirAll(filepath.Dir(dst), 0755)
			err = os.Rename(f.Name(), dst)
			xcheckf(err, "moving blob to destination")
			err = f.Close()
			logCheck(err, "closing blob file")
			f = nil
		}
		// Otherwise the blob already exists. Content-addressing
		// guarantees identical bytes, the new copy is discarded by the
		// deferred cleanup.
		return nil
	})
	xcheckf(err, "transaction")

	hdr := w.Header()
	hdr.Set("Content-Length", "0")
	hdr.Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo.Name, dgst))
	hdr.Set("Docker-Content-Digest", dgst)
	w.WriteHeader(http.StatusCreated)
}

func respondAccepted(w http.ResponseWriter, repo DBRepo, up *upload) {
	h := w.Header()
	h.Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo.Name, up.UUID))
	if up.Offset == 0 {
		h.Set("Range", "0-0")
	} else {
		h.Set("Range", fmt.Sprintf("0-%d", up.Offset-1))
	}
	h.Set("Content-Length", "0")
	h.Set("Docker-Upload-UUID", up.UUID)
	w.WriteHeader(http.StatusAccepted)
}

func withUpload(repo, uuid string, fn func(*upload)) {
	up := uploadLookup(repo, uuid)
	if up == nil {
		xerrorf(http.StatusNotFound, ErrorBlobUploadUnknown, "no such upload")
	}
	up.Lock()
	defer up.Unlock()
	if up.File == nil {
		xerrorf(http.StatusBadRequest, ErrorBlobUploadInvalid, "upload already canceled or finished")
	}
	fn(up)
}

// GET /v2/<name>/blobs/uploads/<uuid>
//
// Return upload progress status.
func (reg registry) blobUploadGet(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	xauthorize(r.Context(), p, args[0], PermWrite)

	withUpload(args[0], args[1], func(up *upload) {
		up.SendActivity()
		h := w.Header()
		if up.Offset == 0 {
			h.Set("Range", "0-0")
		} else {
			h.Set("Range", fmt.Sprintf("0-%d", up.Offset-1))
		}
		h.Set("Content-Length", "0")
		h.Set("Docker-Upload-UUID", up.UUID)
		w.WriteHeader(http.StatusNoContent)
	})
}

// PATCH /v2/<name>/blobs/uploads/<uuid>
//
// Add a (non-finishing) chunk of data to an upload. Chunks are applied
// in arrival order; the session lock serializes concurrent calls.
func (reg registry) blobUploadPatch(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	xauthorize(r.Context(), p, args[0], PermWrite)

	repo := DBRepo{Name: args[0]}
	err := database.Get(r.Context(), &repo)
	xcheckf(err, "looking up repository")

	withUpload(args[0], args[1], func(up *upload) {
		// We handle and enforce the unnecessarily complicated
		// content-range and content-length requirements. These aren't
		// specified for PUT even though it has this same functionality.
		cr := r.Header.Get("Content-Range")
		var rangeSize int64
		if cr != "" {
			t := strings.Split(cr, "-")
			if len(t) != 2 {
				xerrorf(http.StatusBadRequest, ErrorUnsupported, "unrecognized content-range syntax")
			}
			start, err := strconv.ParseInt(strings.TrimSpace(t[0]), 10, 64)
			if err != nil {
				xerrorf(http.StatusBadRequest, ErrorUnsupported, "unrecognized content-range syntax")
			}
			end, err := strconv.ParseInt(strings.TrimSpace(t[1]), 10, 64)
			if err != nil {
				xerrorf(http.StatusBadRequest, ErrorUnsupported, "unrecognized content-range syntax")
			}
			if start != up.Offset {
				xerrorf(http.StatusBadRequest, ErrorRangeInvalid, "upload is at offset %d, cannot continue at start %d", up.Offset, start)
			}
			rangeSize = end + 1 - start
			if rangeSize <= 0 {
				xerrorf(http.StatusBadRequest, ErrorRangeInvalid, "cannot upload zero bytes")
			}
		}
		n, err := io.Copy(up.Writer, r.Body)
		xcheckf(err, "writing to file")
		if n == 0 {
			xerrorf(http.StatusBadRequest, ErrorUnsupported, "cannot add zero-length data")
		}
		up.Offset += n

		if rangeSize > 0 && rangeSize != n {
			xerrorf(http.StatusBadRequest, ErrorSizeInvalid, "size in content-range header %d does not match uploaded data length %d", rangeSize, n)
		}
		hcl := r.Header.Get("Content-Length")
		if hcl != "" {
			cl, err := strconv.ParseInt(hcl, 10, 64)
			if err != nil {
				xerrorf(http.StatusBadRequest, ErrorUnsupported, "unrecognized content-length syntax")
			}
			if cl != n {
				xerrorf(http.StatusBadRequest, ErrorSizeInvalid, "content-length header %d does not match uploaded data length %d", cl, n)
			}
		}
		up.SendActivity()
		respondAccepted(w, repo, up)
	})
}

// PUT /v2/<name>/blobs/uploads/<uuid>?digest=...
//
// Add an optional final chunk of data and finish the blob upload. The
// declared digest must match the digest computed over everything
// accumulated; on mismatch the session is kept so the caller can retry
// or cancel explicitly.
func (reg registry) blobUploadPut(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	xauthorize(r.Context(), p, args[0], PermWrite)

	repo := DBRepo{Name: args[0]}
	err := database.Get(r.Context(), &repo)
	xcheckf(err, "looking up repository")

	qdigest := r.URL.Query().Get("digest")
	if qdigest == "" {
		xerrorf(http.StatusBadRequest, ErrorDigestInvalid, "digest parameter required")
	}
	qdigest = xdigestcanon(qdigest)

	withUpload(args[0], args[1], func(up *upload) {
		up.SendActivity()

		// Unlike PATCH, content-length and content-range are not
		// specified for the chunk in PUT.
		n, err := io.Copy(up.Writer, r.Body)
		xcheckf(err, "writing to file")
		start := up.Offset
		up.Offset += n
		cl := r.Header.Get("Content-Length")
		if cl != "" && cl != fmt.Sprintf("%d", n) {
			xerrorf(http.StatusBadRequest, ErrorSizeInvalid, "content-length header %s does not match uploaded data length %d", cl, n)
		}

		dgst := up.Digester.Digest().String()
		if dgst != qdigest {
			// The session stays around for an explicit retry or cancel.
			xerrorf(http.StatusBadRequest, ErrorDigestInvalid, "uploaded blob has digest %s, not %s", dgst, qdigest)
		}

		err = database.Write(context.Background(), func(tx *bstore.Tx) error {
			defer func() {
				if up.File != nil {
					up.Cancel()
				}
			}()

			exists, err := bstore.QueryTx[DBBlob](tx).FilterNonzero(DBBlob{Repo: repo.Name, Digest: dgst}).Exists()
			xcheckf(err, "checking if blob exists in database")
			if !exists {
				err := tx.Insert(&DBBlob{Repo: repo.Name, Digest: dgst, Size: up.Offset})
				xcheckf(err, "adding blob digest to database")

				err = setBlobPermissions(up.File)
				xcheckf(err, "setting file permissions")
				dst := blobPath(repo.Name, dgst)
				os.MkdirAll(filepath.Dir(dst), 0755)
				err = os.Rename(up.File.Name(), dst)
				xcheckf(err, "moving blob to destination")
			} else {
				// Blob already exists, we'll use that, discarding this
				// new copy.
				err := os.Remove(up.File.Name())
				logCheck(err, "removing uploaded temp duplicate blob file")
			}

			// Remove uuid from uploads.
			uploadsLock.Lock()
			delete(uploads, up.UUID)
			uploadsLock.Unlock()

			// Clean up the file and shut down the inactivity goroutine.
			err = up.File.Close()
			logCheck(err, "closing stored blob")
			up.File = nil
			close(up.Done)

			return nil
		})
		if err != nil {
			xerrorf(http.StatusInternalServerError, ErrorBlobUploadInvalid, "finalizing upload: %v", err)
		}

		h := w.Header()
		h.Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo.Name, dgst))
		h.Set("Content-Length", "0")
		h.Set("Content-Range", fmt.Sprintf("%d-%d", start, up.Offset-1))
		h.Set("Docker-Content-Digest", dgst)
		w.WriteHeader(http.StatusCreated)
	})
}

// DELETE /v2/<name>/blobs/uploads/<uuid>
//
// Cancel an upload, discarding accumulated bytes.
func (reg registry) blobUploadDelete(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	xauthorize(r.Context(), p, args[0], PermWrite)

	withUpload(args[0], args[1], func(up *upload) {
		up.Cancel()
	})

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
}

// HEAD,GET /v2/<name>/blobs/<digest>
//
// Fetch a blob by digest.
func (reg registry) blobFetch(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	xauthorize(r.Context(), p, args[0], PermRead)

	dgst := xdigestcanon(args[1])
	b, err := bstore.QueryDB[DBBlob](r.Context(), database).FilterNonzero(DBBlob{Repo: args[0], Digest: dgst}).Get()
	if err == bstore.ErrAbsent {
		xnotFound(ErrorBlobUnknown)
	}
	xcheckf(err, "looking up blob")

	var f *os.File
	if r.Method != "HEAD" {
		var err error
		f, err = os.Open(blobPath(args[0], b.Digest))
		xcheckf(err, "open")
		defer f.Close()
	}
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Docker-Content-Digest", b.Digest)
	if f != nil {
		http.ServeContent(w, r, b.Digest, b.Modified, f)
	} else {
		h.Set("Content-Length", fmt.Sprintf("%d", b.Size))
	}
}

func xnotFound(regErr RegistryError) {
	xerrorf(http.StatusNotFound, regErr, "not found")
}

func xunauthorized() {
	xerrorf(http.StatusUnauthorized, ErrorUnauthorized, "valid authorization required")
}

func xforbidden() {
	xerrorf(http.StatusForbidden, ErrorDenied, "insufficient permission")
}

func xerrorf(statuscode int, regErr RegistryError, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	err := Errors{statuscode, []Error{{regErr, msg, ""}}}
	panic(err)
}

var regexpTag = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_\.-]{0,127}$`)

func istag(s string) bool {
	return regexpTag.MatchString(s)
}
