package main

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gofrs/uuid/v5"

	"github.com/mjl-/bstore"
)

// Every registry operation goes through xauthorize. The effective
// permission of a principal on a repository is resolved in order: a
// direct user grant wins verbatim, otherwise the best grant of any
// group the user is a member of, otherwise public repositories grant
// read to anyone, including anonymous requests. On top of that, a
// personal access token caps the operations it can authorize through
// its scopes, regardless of the user's own permissions.

// resolvePermission computes the effective permission of a user (empty
// id for anonymous) on a repository name. A missing repository resolves
// like a private one.
func resolvePermission(ctx context.Context, repoName, userID string) (Permission, error) {
	repo := DBRepo{Name: repoName}
	err := database.Get(ctx, &repo)
	if err == bstore.ErrAbsent {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up repository: %w", err)
	}

	if userID != "" {
		up, err := bstore.QueryDB[DBUserPermission](ctx, database).FilterNonzero(DBUserPermission{Repo: repoName, UserID: userID}).Get()
		if err == nil {
			return up.Permission, nil
		}
		if err != bstore.ErrAbsent {
			return "", fmt.Errorf("looking up user permission: %w", err)
		}

		members, err := bstore.QueryDB[DBGroupMember](ctx, database).FilterNonzero(DBGroupMember{UserID: userID}).List()
		if err != nil {
			return "", fmt.Errorf("listing group memberships: %w", err)
		}
		if len(members) > 0 {
			var groupIDs []any
			for _, m := range members {
				groupIDs = append(groupIDs, m.GroupID)
			}
			grants, err := bstore.QueryDB[DBGroupPermission](ctx, database).FilterNonzero(DBGroupPermission{Repo: repoName}).FilterEqual("GroupID", groupIDs...).List()
			if err != nil {
				return "", fmt.Errorf("listing group permissions: %w", err)
			}
			var best Permission
			for _, g := range grants {
				if g.Permission.Level() > best.Level() {
					best = g.Permission
				}
			}
			if best != "" {
				return best, nil
			}
		}
	}

	if repo.Public {
		return PermRead, nil
	}
	return "", nil
}

// requiredScope maps a permission level to the token scope that must
// cover it.
func requiredScope(p Permission) Scope {
	switch p {
	case PermOwner:
		return ScopeAdmin
	case PermWrite:
		return ScopeWrite
	}
	return ScopeRead
}

// xauthorize allows the request or panics with 401 (anonymous) or 403
// (authenticated but insufficient). The token scope check comes first:
// a narrowly scoped token fails even for the repository's owner.
func xauthorize(ctx context.Context, p principal, repoName string, required Permission) {
	if p.Authenticated() && !p.ScopeCovers(requiredScope(required)) {
		xforbidden()
	}
	level, err := resolvePermission(ctx, repoName, p.User.ID)
	xcheckf(err, "resolving permission")
	if level.Level() >= required.Level() {
		return
	}
	if !p.Authenticated() {
		xunauthorized()
	}
	xforbidden()
}

var repoNameRegexp = regexp.MustCompile(`^[a-z0-9]+(?:[\._-][a-z0-9]+)*$`)

// xensureRepo fetches a repository, creating it if the name does not
// exist yet: an authorized write to a new name is the only way a
// repository comes into being, and the writer becomes its owner. Runs
// before the permission check on write paths.
func xensureRepo(ctx context.Context, p principal, name string) (repo DBRepo) {
	if !p.Authenticated() {
		xunauthorized()
	}
	if !p.ScopeCovers(ScopeWrite) {
		xforbidden()
	}
	err := database.Write(ctx, func(tx *bstore.Tx) error {
		repo = DBRepo{Name: name}
		err := tx.Get(&repo)
		if err == bstore.ErrAbsent {
			if len(name) > 256 || !repoNameRegexp.MatchString(name) {
				xerrorf(http.StatusBadRequest, ErrorNameInvalid, "invalid repository name")
			}
			id, err := uuid.NewV4()
			xcheckf(err, "generating repository id")
			repo.ID = id.String()
			repo.OwnerID = p.User.ID
			err = tx.Insert(&repo)
			xcheckf(err, "adding repository to database")

			err = tx.Insert(&DBUserPermission{Repo: name, UserID: p.User.ID, Permission: PermOwner, GrantedBy: p.User.ID})
			xcheckf(err, "adding owner permission to database")
		} else {
			xcheckf(err, "looking up repository")
		}
		return nil
	})
	xcheckf(err, "transaction")
	return
}
