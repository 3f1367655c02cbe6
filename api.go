package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/gofrs/uuid/v5"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mjl-/bstore"
)

// JSON management API: personal access tokens, groups and their
// members, repository listings and repository permission grants. All
// calls require a signed-in principal. A personal access token can be
// used here too, but only with the admin scope, so a leaked read-only
// docker token cannot manage grants.

type apiPath struct {
	Name                   string
	Regexp                 *regexp.Regexp
	Get, Post, Put, Delete func(ah apiHandler, p principal, args []string, w http.ResponseWriter, r *http.Request)
}

var apiPaths = []apiPath{
	{Name: "apiTokens", Regexp: regexp.MustCompile(`^/api/tokens$`),
		Get:  apiHandler.tokensList,
		Post: apiHandler.tokenCreate},

	{Name: "apiToken", Regexp: regexp.MustCompile(`^/api/tokens/([0-9a-f-]+)$`),
		Delete: apiHandler.tokenDelete},

	{Name: "apiGroups", Regexp: regexp.MustCompile(`^/api/groups$`),
		Get:  apiHandler.groupsList,
		Post: apiHandler.groupCreate},

	{Name: "apiGroup", Regexp: regexp.MustCompile(`^/api/groups/([0-9a-f-]+)$`),
		Get:    apiHandler.groupGet,
		Put:    apiHandler.groupUpdate,
		Delete: apiHandler.groupDelete},

	{Name: "apiGroupMembers", Regexp: regexp.MustCompile(`^/api/groups/([0-9a-f-]+)/members$`),
		Post: apiHandler.memberAdd},

	{Name: "apiGroupMember", Regexp: regexp.MustCompile(`^/api/groups/([0-9a-f-]+)/members/([0-9a-f-]+)$`),
		Delete: apiHandler.memberRemove},

	{Name: "apiRepos", Regexp: regexp.MustCompile(`^/api/repositories$`),
		Get: apiHandler.reposList},

	{Name: "apiRepo", Regexp: regexp.MustCompile(`^/api/repositories/([a-z0-9]+(?:[\._-][a-z0-9]+)*)$`),
		Put: apiHandler.repoUpdate},

	{Name: "apiRepoPermissions", Regexp: regexp.MustCompile(`^/api/repositories/([a-z0-9]+(?:[\._-][a-z0-9]+)*)/permissions$`),
		Get:  apiHandler.permissionsList,
		Post: apiHandler.permissionGrant},

	{Name: "apiRepoPermission", Regexp: regexp.MustCompile(`^/api/repositories/([a-z0-9]+(?:[\._-][a-z0-9]+)*)/permissions/(user|group)/([0-9a-f-]+)$`),
		Delete: apiHandler.permissionRevoke},
}

type apiHandler struct{}

func (ah apiHandler) ServeHTTP(xw http.ResponseWriter, r *http.Request) {
	w := &loggingWriter{
		W:     xw,
		Start: time.Now(),
		R:     r,
		Op:    "(api)",
	}
	defer webRecover(w, "api")

	if debugFlag {
		logger.Debugw("api request", "path", r.URL.Path, "method", r.Method)
	}

	p := xapiPrincipal(r)

	for _, ap := range apiPaths {
		t := ap.Regexp.FindStringSubmatch(r.URL.Path)
		if t == nil {
			continue
		}

		w.Op = ap.Name

		var h func(apiHandler, principal, []string, http.ResponseWriter, *http.Request)
		switch r.Method {
		case "GET":
			h = ap.Get
		case "POST":
			h = ap.Post
		case "PUT":
			h = ap.Put
		case "DELETE":
			h = ap.Delete
		}
		if h == nil {
			xusererrorf(http.StatusMethodNotAllowed, "method not allowed")
		}
		h(ah, p, t[1:], w, r)
		return
	}
	xusererrorf(http.StatusNotFound, "not found")
}

func xapiPrincipal(r *http.Request) principal {
	p := xwebPrincipal(r)
	if !p.Authenticated() {
		xusererrorf(http.StatusUnauthorized, "authentication required")
	}
	if !p.ScopeCovers(ScopeAdmin) {
		xusererrorf(http.StatusForbidden, "access token lacks admin scope")
	}
	return p
}

func xdecode(r *http.Request, v any) {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1024*1024))
	if err := dec.Decode(v); err != nil {
		xusererrorf(http.StatusBadRequest, "parsing request: %v", err)
	}
}

// Token is a personal access token as shown in the API, without its
// hash. Token literals only appear in the create response.
type Token struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Scopes   []string   `json:"scopes"`
	LastUsed *time.Time `json:"lastUsed"`
	Expires  *time.Time `json:"expires"`
	Created  time.Time  `json:"created"`
	Token    string     `json:"token,omitempty"` // Plaintext, set once at creation.
}

func tokenJSON(at DBAccessToken) Token {
	t := Token{ID: at.ID, Name: at.Name, Scopes: at.Scopes, Created: at.Created}
	if !at.LastUsed.IsZero() {
		t.LastUsed = &at.LastUsed
	}
	if !at.Expires.IsZero() {
		t.Expires = &at.Expires
	}
	return t
}

// POST /api/tokens
func (ah apiHandler) tokenCreate(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string   `json:"name"`
		Scopes      []string `json:"scopes"`
		ExpiresDays int      `json:"expiresDays"` // 0 means the token never expires.
	}
	xdecode(r, &req)
	if req.Name == "" {
		xusererrorf(http.StatusBadRequest, "name is required")
	}
	scopes, err := parseScopes(req.Scopes)
	if err != nil {
		xusererrorf(http.StatusBadRequest, "%v", err)
	}
	if req.ExpiresDays < 0 {
		xusererrorf(http.StatusBadRequest, "negative expiry")
	}
	var expires time.Time
	if req.ExpiresDays > 0 {
		expires = time.Now().AddDate(0, 0, req.ExpiresDays)
	}

	plaintext, at, err := issueAccessToken(r.Context(), p.User.ID, req.Name, scopes, expires)
	xcheckf(err, "issuing access token")

	t := tokenJSON(at)
	t.Token = plaintext
	respondJSON(w, http.StatusCreated, t)
}

// GET /api/tokens
func (ah apiHandler) tokensList(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	l, err := bstore.QueryDB[DBAccessToken](r.Context(), database).FilterNonzero(DBAccessToken{UserID: p.User.ID}).SortDesc("Created").List()
	xcheckf(err, "listing access tokens")
	resp := []Token{}
	for _, at := range l {
		resp = append(resp, tokenJSON(at))
	}
	respondJSON(w, http.StatusOK, resp)
}

// DELETE /api/tokens/{id}
func (ah apiHandler) tokenDelete(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	at := DBAccessToken{ID: args[0]}
	err := database.Get(r.Context(), &at)
	if err == bstore.ErrAbsent || (err == nil && at.UserID != p.User.ID) {
		xusererrorf(http.StatusNotFound, "no such token")
	}
	xcheckf(err, "looking up token")
	err = database.Delete(r.Context(), &at)
	xcheckf(err, "deleting token")
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
}

// Group is a group as shown in the API.
type Group struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	CreatedBy   string        `json:"createdBy"`
	Created     time.Time     `json:"created"`
	Members     []GroupMember `json:"members,omitempty"`
}

type GroupMember struct {
	UserID   string    `json:"userId"`
	Email    string    `json:"email"`
	FullName string    `json:"fullName"`
	Role     string    `json:"role"`
	Added    time.Time `json:"added"`
}

func groupJSON(g DBGroup) Group {
	return Group{ID: g.ID, Name: g.Name, Description: g.Description, CreatedBy: g.CreatedBy, Created: g.Created}
}

// groupRole returns the role of a user in a group, or empty if not a
// member.
func groupRole(ctx context.Context, groupID, userID string) (string, error) {
	m, err := bstore.QueryDB[DBGroupMember](ctx, database).FilterNonzero(DBGroupMember{GroupID: groupID, UserID: userID}).Get()
	if err == bstore.ErrAbsent {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// xgroup fetches a group, requiring at least the given role of the
// principal: "member" for membership, "admin" for group management. A
// group the principal is not a member of does not exist for them.
func xgroup(ctx context.Context, p principal, groupID, requiredRole string) DBGroup {
	g := DBGroup{ID: groupID}
	err := database.Get(ctx, &g)
	if err == bstore.ErrAbsent {
		xusererrorf(http.StatusNotFound, "no such group")
	}
	xcheckf(err, "looking up group")
	role, err := groupRole(ctx, groupID, p.User.ID)
	xcheckf(err, "looking up group membership")
	if role == "" {
		xusererrorf(http.StatusNotFound, "no such group")
	}
	if requiredRole == "admin" && role != "admin" {
		xusererrorf(http.StatusForbidden, "group admin required")
	}
	return g
}

// POST /api/groups
func (ah apiHandler) groupCreate(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	xdecode(r, &req)
	if req.Name == "" {
		xusererrorf(http.StatusBadRequest, "name is required")
	}

	id, err := uuid.NewV4()
	xcheckf(err, "generating group id")
	g := DBGroup{ID: id.String(), Name: req.Name, Description: req.Description, CreatedBy: p.User.ID}
	err = database.Write(r.Context(), func(tx *bstore.Tx) error {
		if err := tx.Insert(&g); err != nil {
			return err
		}
		// The creator manages the group from the start.
		return tx.Insert(&DBGroupMember{GroupID: g.ID, UserID: p.User.ID, Role: "admin"})
	})
	xcheckf(err, "creating group")
	respondJSON(w, http.StatusCreated, groupJSON(g))
}

// GET /api/groups
//
// Groups the principal is a member of.
func (ah apiHandler) groupsList(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	members, err := bstore.QueryDB[DBGroupMember](r.Context(), database).FilterNonzero(DBGroupMember{UserID: p.User.ID}).List()
	xcheckf(err, "listing group memberships")
	resp := []Group{}
	for _, m := range members {
		g := DBGroup{ID: m.GroupID}
		err := database.Get(r.Context(), &g)
		xcheckf(err, "looking up group")
		resp = append(resp, groupJSON(g))
	}
	respondJSON(w, http.StatusOK, resp)
}

// GET /api/groups/{id}
//
// Group details with members, for members only.
func (ah apiHandler) groupGet(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	g := xgroup(r.Context(), p, args[0], "member")
	resp := groupJSON(g)
	members, err := bstore.QueryDB[DBGroupMember](r.Context(), database).FilterNonzero(DBGroupMember{GroupID: g.ID}).SortAsc("Added").List()
	xcheckf(err, "listing group members")
	for _, m := range members {
		u := DBUser{ID: m.UserID}
		err := database.Get(r.Context(), &u)
		xcheckf(err, "looking up member")
		resp.Members = append(resp.Members, GroupMember{UserID: u.ID, Email: u.Email, FullName: u.FullName, Role: m.Role, Added: m.Added})
	}
	respondJSON(w, http.StatusOK, resp)
}

// PUT /api/groups/{id}
func (ah apiHandler) groupUpdate(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	g := xgroup(r.Context(), p, args[0], "admin")
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	xdecode(r, &req)
	if req.Name != nil {
		if *req.Name == "" {
			xusererrorf(http.StatusBadRequest, "name cannot be empty")
		}
		g.Name = *req.Name
	}
	if req.Description != nil {
		g.Description = *req.Description
	}
	g.Updated = time.Now()
	err := database.Update(r.Context(), &g)
	xcheckf(err, "updating group")
	respondJSON(w, http.StatusOK, groupJSON(g))
}

// DELETE /api/groups/{id}
//
// Only the creator can delete a group. Memberships and permission
// grants through the group go with it.
func (ah apiHandler) groupDelete(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	g := xgroup(r.Context(), p, args[0], "member")
	if g.CreatedBy != p.User.ID {
		xusererrorf(http.StatusForbidden, "only the group creator can delete it")
	}
	err := database.Write(r.Context(), func(tx *bstore.Tx) error {
		if _, err := bstore.QueryTx[DBGroupPermission](tx).FilterNonzero(DBGroupPermission{GroupID: g.ID}).Delete(); err != nil {
			return err
		}
		if _, err := bstore.QueryTx[DBGroupMember](tx).FilterNonzero(DBGroupMember{GroupID: g.ID}).Delete(); err != nil {
			return err
		}
		return tx.Delete(&g)
	})
	xcheckf(err, "deleting group")
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/groups/{id}/members
//
// Add a member by user id or email.
func (ah apiHandler) memberAdd(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	g := xgroup(r.Context(), p, args[0], "admin")
	var req struct {
		UserID string `json:"userId"`
		Email  string `json:"email"`
		Role   string `json:"role"`
	}
	xdecode(r, &req)
	if req.Role == "" {
		req.Role = "member"
	}
	if req.Role != "member" && req.Role != "admin" {
		xusererrorf(http.StatusBadRequest, "invalid role %q", req.Role)
	}

	var u DBUser
	var err error
	if req.UserID != "" {
		u = DBUser{ID: req.UserID}
		err = database.Get(r.Context(), &u)
	} else if req.Email != "" {
		u, err = bstore.QueryDB[DBUser](r.Context(), database).FilterNonzero(DBUser{Email: req.Email}).Get()
	} else {
		xusererrorf(http.StatusBadRequest, "userId or email is required")
	}
	if err == bstore.ErrAbsent {
		xusererrorf(http.StatusNotFound, "no such user")
	}
	xcheckf(err, "looking up user")

	m := DBGroupMember{GroupID: g.ID, UserID: u.ID, Role: req.Role}
	err = database.Insert(r.Context(), &m)
	if errors.Is(err, bstore.ErrUnique) {
		xusererrorf(http.StatusConflict, "already a member")
	}
	xcheckf(err, "adding member")
	respondJSON(w, http.StatusCreated, GroupMember{UserID: u.ID, Email: u.Email, FullName: u.FullName, Role: m.Role, Added: m.Added})
}

// DELETE /api/groups/{id}/members/{userId}
func (ah apiHandler) memberRemove(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	g := xgroup(r.Context(), p, args[0], "admin")
	n, err := bstore.QueryDB[DBGroupMember](r.Context(), database).FilterNonzero(DBGroupMember{GroupID: g.ID, UserID: args[1]}).Delete()
	xcheckf(err, "removing member")
	if n == 0 {
		xusererrorf(http.StatusNotFound, "no such member")
	}
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
}

// Repo is a repository as shown in the API.
type Repo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Public      bool       `json:"public"`
	Permission  Permission `json:"permission"` // Effective permission of the caller.
	LastPushed  *time.Time `json:"lastPushed"`
	Created     time.Time  `json:"created"`
	Tags        []RepoTag  `json:"tags"`
}

type RepoTag struct {
	Name     string    `json:"name"`
	Digest   string    `json:"digest"`
	Size     int64     `json:"size"` // Config plus layers, for image manifests. 0 when unknown.
	Modified time.Time `json:"modified"`
}

// GET /api/repositories
//
// Repositories visible to the principal, with tags. For docker/OCI
// image manifests the size is the config plus all layers, what a pull
// would download.
func (ah apiHandler) reposList(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	repos, err := bstore.QueryDB[DBRepo](r.Context(), database).SortAsc("Name").List()
	xcheckf(err, "listing repositories")
	resp := []Repo{}
	for _, repo := range repos {
		level, err := resolvePermission(r.Context(), repo.Name, p.User.ID)
		xcheckf(err, "resolving permission")
		if level.Level() < PermRead.Level() {
			continue
		}
		ar := Repo{ID: repo.ID, Name: repo.Name, Description: repo.Description, Public: repo.Public, Permission: level, Created: repo.Created, Tags: []RepoTag{}}
		if !repo.LastPushed.IsZero() {
			ar.LastPushed = &repo.LastPushed
		}
		tags, err := bstore.QueryDB[DBTag](r.Context(), database).FilterNonzero(DBTag{Repo: repo.Name}).SortDesc("Modified").List()
		xcheckf(err, "listing tags")
		for _, t := range tags {
			ar.Tags = append(ar.Tags, RepoTag{Name: t.Tag, Digest: t.Digest, Size: manifestSize(r.Context(), repo.Name, t.Digest), Modified: t.Modified})
		}
		resp = append(resp, ar)
	}
	respondJSON(w, http.StatusOK, resp)
}

// manifestSize sums config and layer sizes of an image manifest. Index
// manifests and unknown content types report 0.
func manifestSize(ctx context.Context, repo, dgst string) int64 {
	m, err := bstore.QueryDB[DBManifest](ctx, database).FilterNonzero(DBManifest{Repo: repo, Digest: dgst}).Get()
	if err != nil {
		return 0
	}
	switch m.ContentType {
	case mediaTypeDockerManifest, ocispec.MediaTypeImageManifest:
	default:
		return 0
	}
	var im ocispec.Manifest
	if err := json.Unmarshal(m.Data, &im); err != nil {
		return 0
	}
	size := im.Config.Size
	for _, l := range im.Layers {
		size += l.Size
	}
	return size
}

// xrepoOwner fetches a repository and requires the principal to hold
// owner permission on it.
func xrepoOwner(ctx context.Context, p principal, name string) DBRepo {
	repo := DBRepo{Name: name}
	err := database.Get(ctx, &repo)
	if err == bstore.ErrAbsent {
		xusererrorf(http.StatusNotFound, "no such repository")
	}
	xcheckf(err, "looking up repository")
	level, err := resolvePermission(ctx, name, p.User.ID)
	xcheckf(err, "resolving permission")
	if level != PermOwner {
		xusererrorf(http.StatusForbidden, "repository owner required")
	}
	return repo
}

// PUT /api/repositories/{name}
//
// Update description or public visibility, owner only.
func (ah apiHandler) repoUpdate(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	repo := xrepoOwner(r.Context(), p, args[0])
	var req struct {
		Description *string `json:"description"`
		Public      *bool   `json:"public"`
	}
	xdecode(r, &req)
	if req.Description != nil {
		repo.Description = *req.Description
	}
	if req.Public != nil {
		repo.Public = *req.Public
	}
	repo.Updated = time.Now()
	err := database.Update(r.Context(), &repo)
	xcheckf(err, "updating repository")
	ar := Repo{ID: repo.ID, Name: repo.Name, Description: repo.Description, Public: repo.Public, Permission: PermOwner, Created: repo.Created, Tags: []RepoTag{}}
	if !repo.LastPushed.IsZero() {
		ar.LastPushed = &repo.LastPushed
	}
	respondJSON(w, http.StatusOK, ar)
}

// UserGrant and GroupGrant are permission grants as shown in the API.
type UserGrant struct {
	UserID     string     `json:"userId"`
	Email      string     `json:"email"`
	Permission Permission `json:"permission"`
	Granted    time.Time  `json:"granted"`
}

type GroupGrant struct {
	GroupID    string     `json:"groupId"`
	Name       string     `json:"name"`
	Permission Permission `json:"permission"`
	Granted    time.Time  `json:"granted"`
}

type PermissionList struct {
	Users  []UserGrant  `json:"users"`
	Groups []GroupGrant `json:"groups"`
}

// GET /api/repositories/{name}/permissions
func (ah apiHandler) permissionsList(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	repo := xrepoOwner(r.Context(), p, args[0])

	resp := PermissionList{Users: []UserGrant{}, Groups: []GroupGrant{}}
	ups, err := bstore.QueryDB[DBUserPermission](r.Context(), database).FilterNonzero(DBUserPermission{Repo: repo.Name}).List()
	xcheckf(err, "listing user grants")
	for _, up := range ups {
		u := DBUser{ID: up.UserID}
		err := database.Get(r.Context(), &u)
		xcheckf(err, "looking up user")
		resp.Users = append(resp.Users, UserGrant{UserID: u.ID, Email: u.Email, Permission: up.Permission, Granted: up.Granted})
	}
	gps, err := bstore.QueryDB[DBGroupPermission](r.Context(), database).FilterNonzero(DBGroupPermission{Repo: repo.Name}).List()
	xcheckf(err, "listing group grants")
	for _, gp := range gps {
		g := DBGroup{ID: gp.GroupID}
		err := database.Get(r.Context(), &g)
		xcheckf(err, "looking up group")
		resp.Groups = append(resp.Groups, GroupGrant{GroupID: g.ID, Name: g.Name, Permission: gp.Permission, Granted: gp.Granted})
	}
	respondJSON(w, http.StatusOK, resp)
}

// POST /api/repositories/{name}/permissions
//
// Grant a permission to a user (by id or email) or group. Grants are
// upserts, a new grant for the same user or group replaces the old one.
func (ah apiHandler) permissionGrant(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	repo := xrepoOwner(r.Context(), p, args[0])
	var req struct {
		Type       string     `json:"type"` // "user" or "group"
		UserID     string     `json:"userId"`
		Email      string     `json:"email"`
		GroupID    string     `json:"groupId"`
		Permission Permission `json:"permission"`
	}
	xdecode(r, &req)

	switch req.Type {
	case "user":
		switch req.Permission {
		case PermOwner, PermWrite, PermRead:
		default:
			xusererrorf(http.StatusBadRequest, "invalid permission %q", req.Permission)
		}
		var u DBUser
		var err error
		if req.UserID != "" {
			u = DBUser{ID: req.UserID}
			err = database.Get(r.Context(), &u)
		} else if req.Email != "" {
			u, err = bstore.QueryDB[DBUser](r.Context(), database).FilterNonzero(DBUser{Email: req.Email}).Get()
		} else {
			xusererrorf(http.StatusBadRequest, "userId or email is required")
		}
		if err == bstore.ErrAbsent {
			xusererrorf(http.StatusNotFound, "no such user")
		}
		xcheckf(err, "looking up user")

		err = database.Write(r.Context(), func(tx *bstore.Tx) error {
			if _, err := bstore.QueryTx[DBUserPermission](tx).FilterNonzero(DBUserPermission{Repo: repo.Name, UserID: u.ID}).Delete(); err != nil {
				return err
			}
			return tx.Insert(&DBUserPermission{Repo: repo.Name, UserID: u.ID, Permission: req.Permission, GrantedBy: p.User.ID})
		})
		xcheckf(err, "granting permission")
		respondJSON(w, http.StatusCreated, UserGrant{UserID: u.ID, Email: u.Email, Permission: req.Permission, Granted: time.Now()})

	case "group":
		// Groups cannot hold owner.
		switch req.Permission {
		case PermWrite, PermRead:
		default:
			xusererrorf(http.StatusBadRequest, "invalid group permission %q", req.Permission)
		}
		if req.GroupID == "" {
			xusererrorf(http.StatusBadRequest, "groupId is required")
		}
		g := DBGroup{ID: req.GroupID}
		err := database.Get(r.Context(), &g)
		if err == bstore.ErrAbsent {
			xusererrorf(http.StatusNotFound, "no such group")
		}
		xcheckf(err, "looking up group")

		err = database.Write(r.Context(), func(tx *bstore.Tx) error {
			if _, err := bstore.QueryTx[DBGroupPermission](tx).FilterNonzero(DBGroupPermission{Repo: repo.Name, GroupID: g.ID}).Delete(); err != nil {
				return err
			}
			return tx.Insert(&DBGroupPermission{Repo: repo.Name, GroupID: g.ID, Permission: req.Permission, GrantedBy: p.User.ID})
		})
		xcheckf(err, "granting permission")
		respondJSON(w, http.StatusCreated, GroupGrant{GroupID: g.ID, Name: g.Name, Permission: req.Permission, Granted: time.Now()})

	default:
		xusererrorf(http.StatusBadRequest, "type must be user or group")
	}
}

// DELETE /api/repositories/{name}/permissions/{type}/{id}
func (ah apiHandler) permissionRevoke(p principal, args []string, w http.ResponseWriter, r *http.Request) {
	repo := xrepoOwner(r.Context(), p, args[0])

	var n int
	var err error
	switch args[1] {
	case "user":
		n, err = bstore.QueryDB[DBUserPermission](r.Context(), database).FilterNonzero(DBUserPermission{Repo: repo.Name, UserID: args[2]}).Delete()
	case "group":
		n, err = bstore.QueryDB[DBGroupPermission](r.Context(), database).FilterNonzero(DBGroupPermission{Repo: repo.Name, GroupID: args[2]}).Delete()
	}
	xcheckf(err, "revoking permission")
	if n == 0 {
		xusererrorf(http.StatusNotFound, "no such grant")
	}
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
}
