package main

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePermission(t *testing.T) {
	testEnv(t, "testdata/perm")

	owner := addTestUser(t, "owner@example.org")
	direct := addTestUser(t, "direct@example.org")
	grouped := addTestUser(t, "grouped@example.org")
	both := addTestUser(t, "both@example.org")
	outsider := addTestUser(t, "outsider@example.org")

	repoID, err := uuid.NewV4()
	require.NoError(t, err)
	require.NoError(t, database.Insert(ctxbg(), &DBRepo{Name: "app", ID: repoID.String(), OwnerID: owner.ID}))
	require.NoError(t, database.Insert(ctxbg(), &DBUserPermission{Repo: "app", UserID: owner.ID, Permission: PermOwner, GrantedBy: owner.ID}))
	require.NoError(t, database.Insert(ctxbg(), &DBUserPermission{Repo: "app", UserID: direct.ID, Permission: PermWrite, GrantedBy: owner.ID}))

	groupID, err := uuid.NewV4()
	require.NoError(t, err)
	require.NoError(t, database.Insert(ctxbg(), &DBGroup{ID: groupID.String(), Name: "team", CreatedBy: owner.ID}))
	require.NoError(t, database.Insert(ctxbg(), &DBGroupMember{GroupID: groupID.String(), UserID: grouped.ID, Role: "member"}))
	require.NoError(t, database.Insert(ctxbg(), &DBGroupMember{GroupID: groupID.String(), UserID: both.ID, Role: "member"}))
	require.NoError(t, database.Insert(ctxbg(), &DBGroupPermission{Repo: "app", GroupID: groupID.String(), Permission: PermWrite, GrantedBy: owner.ID}))

	// A second group with a weaker grant; the best group grant wins.
	group2ID, err := uuid.NewV4()
	require.NoError(t, err)
	require.NoError(t, database.Insert(ctxbg(), &DBGroup{ID: group2ID.String(), Name: "readers", CreatedBy: owner.ID}))
	require.NoError(t, database.Insert(ctxbg(), &DBGroupMember{GroupID: group2ID.String(), UserID: grouped.ID, Role: "member"}))
	require.NoError(t, database.Insert(ctxbg(), &DBGroupPermission{Repo: "app", GroupID: group2ID.String(), Permission: PermRead, GrantedBy: owner.ID}))

	// A direct grant wins over group grants, even a weaker one.
	require.NoError(t, database.Insert(ctxbg(), &DBUserPermission{Repo: "app", UserID: both.ID, Permission: PermRead, GrantedBy: owner.ID}))

	check := func(userID string, exp Permission) {
		t.Helper()
		perm, err := resolvePermission(ctxbg(), "app", userID)
		require.NoError(t, err)
		assert.Equal(t, exp, perm)
	}

	check(owner.ID, PermOwner)
	check(direct.ID, PermWrite)
	check(grouped.ID, PermWrite)
	check(both.ID, PermRead)
	check(outsider.ID, Permission(""))
	check("", Permission("")) // Anonymous.

	// Unknown repositories resolve like private ones.
	perm, err := resolvePermission(ctxbg(), "nosuchrepo", owner.ID)
	require.NoError(t, err)
	assert.Equal(t, Permission(""), perm)

	// Public repositories grant read to everyone, but explicit grants
	// still decide anything above read.
	repo := DBRepo{Name: "app"}
	require.NoError(t, database.Get(ctxbg(), &repo))
	repo.Public = true
	require.NoError(t, database.Update(ctxbg(), &repo))
	check(outsider.ID, PermRead)
	check("", PermRead)
	check(both.ID, PermRead)
	check(grouped.ID, PermWrite)
}

func TestRequiredScope(t *testing.T) {
	assert.Equal(t, ScopeRead, requiredScope(PermRead))
	assert.Equal(t, ScopeWrite, requiredScope(PermWrite))
	assert.Equal(t, ScopeAdmin, requiredScope(PermOwner))
}
