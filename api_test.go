package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiRequest does a JSON request against the api handler with a bearer
// credential, decoding the response into out when not nil.
func apiRequest(t *testing.T, cred, method, path string, reqBody, out any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		require.NoError(t, err)
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, body)
	if cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	apiHandler{}.ServeHTTP(rec, req)
	resp := rec.Result()
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "response: %s", rec.Body.String())
	}
	return resp
}

func TestTokensAPI(t *testing.T) {
	testEnv(t, "testdata/apitokens")
	dora := addTestUser(t, "dora@example.org")
	boris := addTestUser(t, "boris@example.org")
	doraSession := sessionFor(t, dora)
	borisSession := sessionFor(t, boris)

	// Management requires authentication.
	resp := apiRequest(t, "", "GET", "/api/tokens", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var created Token
	resp = apiRequest(t, doraSession, "POST", "/api/tokens", map[string]any{"name": "ci push", "scopes": []string{"registry:write"}, "expiresDays": 30}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, strings.HasPrefix(created.Token, accessTokenPrefix))
	assert.Equal(t, "ci push", created.Name)
	assert.Equal(t, []string{"registry:write"}, created.Scopes)
	require.NotNil(t, created.Expires)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *created.Expires, time.Minute)

	resp = apiRequest(t, doraSession, "POST", "/api/tokens", map[string]any{"name": "", "scopes": []string{"registry:read"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = apiRequest(t, doraSession, "POST", "/api/tokens", map[string]any{"name": "x", "scopes": []string{"bogus"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Listing shows metadata, never the token literal again.
	var list []Token
	resp = apiRequest(t, doraSession, "GET", "/api/tokens", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
	assert.Empty(t, list[0].Token)

	// A read or write scoped token cannot use the management API, an
	// admin one can.
	resp = apiRequest(t, created.Token, "GET", "/api/tokens", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	admin, _, err := issueAccessToken(ctxbg(), dora.ID, "manage", []Scope{ScopeAdmin}, time.Time{})
	require.NoError(t, err)
	resp = apiRequest(t, admin, "GET", "/api/tokens", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Tokens can only be deleted by their owner, and deletion revokes.
	resp = apiRequest(t, borisSession, "DELETE", "/api/tokens/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = apiRequest(t, doraSession, "DELETE", "/api/tokens/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, err = verifyCredential(ctxbg(), credential{credBearer, created.Token})
	assert.ErrorIs(t, err, errBadCredentials)
}

func TestGroupsAPI(t *testing.T) {
	testEnv(t, "testdata/apigroups")
	dora := addTestUser(t, "dora@example.org")
	boris := addTestUser(t, "boris@example.org")
	mila := addTestUser(t, "mila@example.org")
	doraSession := sessionFor(t, dora)
	borisSession := sessionFor(t, boris)
	milaSession := sessionFor(t, mila)

	var g Group
	resp := apiRequest(t, doraSession, "POST", "/api/groups", map[string]string{"name": "backend", "description": "backend team"}, &g)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "backend", g.Name)
	assert.Equal(t, dora.ID, g.CreatedBy)

	// The creator is enrolled as admin and sees the group.
	var details Group
	resp = apiRequest(t, doraSession, "GET", "/api/groups/"+g.ID, nil, &details)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, details.Members, 1)
	assert.Equal(t, dora.ID, details.Members[0].UserID)
	assert.Equal(t, "admin", details.Members[0].Role)

	// Non-members cannot see the group.
	resp = apiRequest(t, borisSession, "GET", "/api/groups/"+g.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Add by email, duplicate is a conflict, unknown user a 404.
	resp = apiRequest(t, doraSession, "POST", "/api/groups/"+g.ID+"/members", map[string]string{"email": "boris@example.org"}, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = apiRequest(t, doraSession, "POST", "/api/groups/"+g.ID+"/members", map[string]string{"email": "boris@example.org"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = apiRequest(t, doraSession, "POST", "/api/groups/"+g.ID+"/members", map[string]string{"email": "nobody@example.org"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Plain members can read but not manage.
	resp = apiRequest(t, borisSession, "GET", "/api/groups/"+g.ID, nil, &details)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = apiRequest(t, borisSession, "POST", "/api/groups/"+g.ID+"/members", map[string]string{"userId": mila.ID}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = apiRequest(t, borisSession, "PUT", "/api/groups/"+g.ID, map[string]string{"name": "hijacked"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = apiRequest(t, doraSession, "PUT", "/api/groups/"+g.ID, map[string]string{"description": "the backend team"}, &details)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "the backend team", details.Description)

	var mine []Group
	resp = apiRequest(t, borisSession, "GET", "/api/groups", nil, &mine)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, mine, 1)
	assert.Equal(t, g.ID, mine[0].ID)

	resp = apiRequest(t, doraSession, "DELETE", "/api/groups/"+g.ID+"/members/"+boris.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = apiRequest(t, doraSession, "DELETE", "/api/groups/"+g.ID+"/members/"+boris.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Only the creator deletes the group, admin is not enough.
	resp = apiRequest(t, doraSession, "POST", "/api/groups/"+g.ID+"/members", map[string]string{"userId": mila.ID, "role": "admin"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = apiRequest(t, milaSession, "DELETE", "/api/groups/"+g.ID, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = apiRequest(t, doraSession, "DELETE", "/api/groups/"+g.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = apiRequest(t, milaSession, "GET", "/api/groups/"+g.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReposAPI(t *testing.T) {
	testEnv(t, "testdata/apirepos")
	dora := addTestUser(t, "dora@example.org")
	boris := addTestUser(t, "boris@example.org")
	doraSession := sessionFor(t, dora)
	borisSession := sessionFor(t, boris)

	// Seed a repository with a tagged image manifest, as a push would.
	repoID, err := uuid.NewV4()
	require.NoError(t, err)
	require.NoError(t, database.Insert(ctxbg(), &DBRepo{Name: "app", ID: repoID.String(), OwnerID: dora.ID}))
	require.NoError(t, database.Insert(ctxbg(), &DBUserPermission{Repo: "app", UserID: dora.ID, Permission: PermOwner, GrantedBy: dora.ID}))

	confBuf := []byte("app config")
	layerBuf := []byte("app layer data")
	manifestBuf, err := json.Marshal(ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: mediaTypeDockerManifest,
		Config:    ocispec.Descriptor{MediaType: "application/vnd.docker.container.image.v1+json", Size: int64(len(confBuf)), Digest: digest.FromBytes(confBuf)},
		Layers:    []ocispec.Descriptor{{MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip", Size: int64(len(layerBuf)), Digest: digest.FromBytes(layerBuf)}},
	})
	require.NoError(t, err)
	manifestDigest := makeDigest(manifestBuf)
	require.NoError(t, database.Insert(ctxbg(), &DBManifest{Repo: "app", Digest: manifestDigest, ContentType: mediaTypeDockerManifest, Data: manifestBuf}))
	require.NoError(t, database.Insert(ctxbg(), &DBTag{Repo: "app", Tag: "latest", Digest: manifestDigest}))

	// The owner sees the repo with tag and image size, config plus
	// layers. Boris sees nothing.
	var repos []Repo
	resp := apiRequest(t, doraSession, "GET", "/api/repositories", nil, &repos)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, repos, 1)
	assert.Equal(t, "app", repos[0].Name)
	assert.Equal(t, PermOwner, repos[0].Permission)
	require.Len(t, repos[0].Tags, 1)
	assert.Equal(t, "latest", repos[0].Tags[0].Name)
	assert.Equal(t, manifestDigest, repos[0].Tags[0].Digest)
	assert.Equal(t, int64(len(confBuf)+len(layerBuf)), repos[0].Tags[0].Size)

	resp = apiRequest(t, borisSession, "GET", "/api/repositories", nil, &repos)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, repos, 0)

	// Grant boris read by email, upsert to write, then revoke.
	resp = apiRequest(t, borisSession, "GET", "/api/repositories/app/permissions", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var ug UserGrant
	resp = apiRequest(t, doraSession, "POST", "/api/repositories/app/permissions", map[string]string{"type": "user", "email": "boris@example.org", "permission": "read"}, &ug)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, boris.ID, ug.UserID)

	perm, err := resolvePermission(ctxbg(), "app", boris.ID)
	require.NoError(t, err)
	assert.Equal(t, PermRead, perm)

	resp = apiRequest(t, doraSession, "POST", "/api/repositories/app/permissions", map[string]string{"type": "user", "userId": boris.ID, "permission": "write"}, &ug)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	perm, err = resolvePermission(ctxbg(), "app", boris.ID)
	require.NoError(t, err)
	assert.Equal(t, PermWrite, perm)

	var pl PermissionList
	resp = apiRequest(t, doraSession, "GET", "/api/repositories/app/permissions", nil, &pl)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, pl.Users, 2) // Dora's owner grant and boris's write grant.
	assert.Len(t, pl.Groups, 0)

	resp = apiRequest(t, doraSession, "DELETE", "/api/repositories/app/permissions/user/"+boris.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	perm, err = resolvePermission(ctxbg(), "app", boris.ID)
	require.NoError(t, err)
	assert.Equal(t, Permission(""), perm)
	resp = apiRequest(t, doraSession, "DELETE", "/api/repositories/app/permissions/user/"+boris.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Group grants are capped at write.
	var g Group
	resp = apiRequest(t, doraSession, "POST", "/api/groups", map[string]string{"name": "team"}, &g)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = apiRequest(t, doraSession, "POST", "/api/repositories/app/permissions", map[string]string{"type": "group", "groupId": g.ID, "permission": "owner"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var gg GroupGrant
	resp = apiRequest(t, doraSession, "POST", "/api/repositories/app/permissions", map[string]string{"type": "group", "groupId": g.ID, "permission": "write"}, &gg)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, g.ID, gg.GroupID)

	// Owner updates description and visibility.
	var updated Repo
	resp = apiRequest(t, doraSession, "PUT", "/api/repositories/app", map[string]any{"description": "our app", "public": true}, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "our app", updated.Description)
	assert.True(t, updated.Public)
	resp = apiRequest(t, borisSession, "PUT", "/api/repositories/app", map[string]any{"public": false}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = apiRequest(t, doraSession, "PUT", "/api/repositories/nosuchrepo", map[string]any{"public": true}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Public repos show up for everyone.
	resp = apiRequest(t, borisSession, "GET", "/api/repositories", nil, &repos)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, repos, 1)
	assert.Equal(t, PermRead, repos[0].Permission)
}

func TestAPIRouting(t *testing.T) {
	testEnv(t, "testdata/apirouting")
	dora := addTestUser(t, "dora@example.org")
	doraSession := sessionFor(t, dora)

	resp := apiRequest(t, doraSession, "GET", "/api/bogus", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = apiRequest(t, doraSession, "DELETE", "/api/tokens", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	var e map[string]string
	resp = apiRequest(t, "bogus", "GET", "/api/tokens", nil, &e)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, e["error"])
}
