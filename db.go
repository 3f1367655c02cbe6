package main

import (
	"time"
)

// Database records. The first field of each type is the (unique) primary
// key. Entity records (users, groups, repositories, tokens) have UUID
// string ids, link records have auto-increment int64 ids. Digests are
// stored lowercased.

// Permission is the access level a principal holds on a repository,
// either directly or through a group. Ordered owner > write > read.
type Permission string

const (
	PermOwner Permission = "owner"
	PermWrite Permission = "write"
	PermRead  Permission = "read"
)

// Level returns the rank of a permission for comparisons. Unknown or
// absent permissions rank 0.
func (p Permission) Level() int {
	switch p {
	case PermOwner:
		return 3
	case PermWrite:
		return 2
	case PermRead:
		return 1
	}
	return 0
}

// Scope bounds what a personal access token may authorize, independent
// of the owning user's repository permissions.
type Scope string

const (
	ScopeRead  Scope = "registry:read"
	ScopeWrite Scope = "registry:write"
	ScopeAdmin Scope = "registry:admin"
)

// DBUser is an account created on first OAuth login. Identity is keyed
// by (provider, provider id); the email is what we show and what group
// admins use to add members.
type DBUser struct {
	ID         string
	Email      string `bstore:"nonzero,unique"`
	FullName   string
	AvatarURL  string
	Provider   string    `bstore:"nonzero"` // "google" or "github"
	ProviderID string    `bstore:"nonzero,unique ProviderID+Provider"`
	Created    time.Time `bstore:"nonzero,default now"`
	Updated    time.Time `bstore:"nonzero,default now"`
}

// DBSession is one issued login token. The signed token embeds its own
// expiry, but verification also requires this row to exist and be
// unexpired, so logout takes effect immediately.
type DBSession struct {
	ID      string
	UserID  string    `bstore:"nonzero,ref DBUser"`
	Token   string    `bstore:"nonzero,unique"`
	Expires time.Time `bstore:"nonzero"`
	Created time.Time `bstore:"nonzero,default now"`
}

// DBAccessToken is a personal access token. Only the sha256 hash of the
// token literal is stored; the plaintext is returned once at creation
// and never again. A zero Expires means the token does not expire.
type DBAccessToken struct {
	ID        string
	UserID    string   `bstore:"nonzero,ref DBUser"`
	Name      string   `bstore:"nonzero"`
	TokenHash string   `bstore:"nonzero,unique"`
	Scopes    []string `bstore:"nonzero"`
	LastUsed  time.Time
	Expires   time.Time
	Created   time.Time `bstore:"nonzero,default now"`
}

// DBGroup is a named set of users that can hold repository permissions.
// The creator is automatically enrolled as an admin member.
type DBGroup struct {
	ID          string
	Name        string `bstore:"nonzero"`
	Description string
	CreatedBy   string    `bstore:"nonzero,ref DBUser"`
	Created     time.Time `bstore:"nonzero,default now"`
	Updated     time.Time `bstore:"nonzero,default now"`
}

// DBGroupMember is a user's membership in a group. Admins manage the
// group and its members.
type DBGroupMember struct {
	ID      int64
	GroupID string    `bstore:"nonzero,ref DBGroup"`
	UserID  string    `bstore:"nonzero,ref DBUser,unique UserID+GroupID"`
	Role    string    `bstore:"nonzero"` // "admin" or "member"
	Added   time.Time `bstore:"nonzero,default now"`
}

// DBRepo is a repository. Created automatically on the first authorized
// write to its name, with the writer as owner. The name is the primary
// key and immutable; the UUID is what the JSON API exposes.
type DBRepo struct {
	Name        string
	ID          string `bstore:"nonzero,unique"`
	Description string
	Public      bool      // Public repositories allow read to anyone, including anonymous.
	OwnerID     string    `bstore:"nonzero,ref DBUser"`
	Created     time.Time `bstore:"nonzero,default now"`
	Updated     time.Time `bstore:"nonzero,default now"`
	LastPushed  time.Time
}

// DBUserPermission is a direct grant of a permission to a user on a
// repository. At most one row per (repository, user); re-grants
// overwrite.
type DBUserPermission struct {
	ID         int64
	Repo       string     `bstore:"nonzero,ref DBRepo"`
	UserID     string     `bstore:"nonzero,ref DBUser,unique UserID+Repo"`
	Permission Permission `bstore:"nonzero"`
	Granted    time.Time  `bstore:"nonzero,default now"`
	GrantedBy  string     `bstore:"nonzero"`
}

// DBGroupPermission is a grant to all members of a group. Groups cannot
// hold owner.
type DBGroupPermission struct {
	ID         int64
	Repo       string     `bstore:"nonzero,ref DBRepo"`
	GroupID    string     `bstore:"nonzero,ref DBGroup,unique GroupID+Repo"`
	Permission Permission `bstore:"nonzero"` // "write" or "read"
	Granted    time.Time  `bstore:"nonzero,default now"`
	GrantedBy  string     `bstore:"nonzero"`
}

// DBBlob is a config/layer blob in a repository. The bytes are on the
// file system at data/blob/<repo>/<digest>. Blobs are scoped to their
// repository, there is no cross-repository deduplication.
type DBBlob struct {
	ID       int64
	Repo     string `bstore:"nonzero,ref DBRepo"`
	Digest   string `bstore:"nonzero,unique Digest+Repo"`
	Size     int64
	Modified time.Time `bstore:"nonzero,default now"`
}

// DBManifest is a manifest stored by content digest for a repository.
// Tags are named references to these rows, so anything pushed by tag is
// also retrievable by digest with identical bytes.
type DBManifest struct {
	ID          int64
	Repo        string    `bstore:"nonzero,ref DBRepo"`
	Digest      string    `bstore:"nonzero,unique Digest+Repo"`
	ContentType string    `bstore:"nonzero"`
	Data        []byte    `bstore:"nonzero"`
	Modified    time.Time `bstore:"nonzero,default now"`
}

// DBTag is a named reference to a manifest digest in a repository.
// Re-pushing a tag overwrites it, last writer wins.
type DBTag struct {
	ID       int64
	Repo     string    `bstore:"nonzero,ref DBRepo"`
	Tag      string    `bstore:"nonzero,unique Tag+Repo"`
	Digest   string    `bstore:"nonzero"`
	Modified time.Time `bstore:"nonzero,default now"`
}

// DBAuthState is a pending OAuth authorization flow, correlating the
// provider callback with the login we started. States are single-use
// and valid for ten minutes; expired rows are swept when new flows
// start. Kept in the database so callbacks may land on another instance.
type DBAuthState struct {
	State    string
	Provider string    `bstore:"nonzero"`
	Created  time.Time `bstore:"nonzero,default now"`
}
