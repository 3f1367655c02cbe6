package main

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mjl-/bstore"
)

// Two credential kinds authenticate requests: signed session tokens
// issued at OAuth login (browser, cookie or bearer), and personal
// access tokens (docker clients, basic auth password or bearer). The
// credential is extracted once at the boundary and resolved through the
// verifiers below; handlers only ever see a principal.

// accessTokenPrefix marks personal access tokens, distinguishing them
// from session tokens.
const accessTokenPrefix = "cfr_"

var errBadCredentials = errors.New("invalid or expired credentials")

// principal is the authenticated identity of a request. A zero
// principal is an anonymous request. Scopes is nil for
// session-authenticated principals; for token-authenticated principals
// it bounds what the request may do regardless of the user's
// repository permissions.
type principal struct {
	User      DBUser
	SessionID string
	Scopes    []Scope
}

func (p principal) Authenticated() bool {
	return p.User.ID != ""
}

// ScopeCovers tells whether this principal's credential allows an
// operation at the given level. Sessions are unrestricted. For access
// tokens, admin covers everything, write covers write and read, read
// covers read only.
func (p principal) ScopeCovers(required Scope) bool {
	if p.Scopes == nil {
		return true
	}
	for _, s := range p.Scopes {
		switch s {
		case ScopeAdmin:
			return true
		case ScopeWrite:
			if required == ScopeWrite || required == ScopeRead {
				return true
			}
		case ScopeRead:
			if required == ScopeRead {
				return true
			}
		}
	}
	return false
}

// credential is a raw token as presented by the client, tagged with how
// it arrived. The transport matters only for extraction; verification
// dispatches on the token itself.
type credentialKind int

const (
	credNone credentialKind = iota
	credCookie
	credBearer
	credBasic
)

type credential struct {
	kind  credentialKind
	token string
}

// extractCredential takes the credential from a request, in order of
// preference: Authorization header (Bearer token, or the password field
// of Basic auth, the username is ignored since docker sends whatever
// was typed at login), then the session cookie used by browsers.
func extractCredential(r *http.Request) credential {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return credential{credBearer, strings.TrimSpace(auth[len("Bearer "):])}
	}
	if strings.HasPrefix(auth, "Basic ") {
		buf, err := base64.StdEncoding.DecodeString(auth[len("Basic "):])
		if err == nil {
			if _, pw, ok := strings.Cut(string(buf), ":"); ok && pw != "" {
				return credential{credBasic, pw}
			}
		}
		return credential{credBasic, ""}
	}
	if c, err := r.Cookie("session"); err == nil && c.Value != "" {
		return credential{credCookie, c.Value}
	}
	return credential{}
}

// verifyCredential resolves a credential into a principal. Access
// tokens are recognized by their prefix, anything else is verified as a
// session token.
func verifyCredential(ctx context.Context, cred credential) (principal, error) {
	if cred.kind == credNone {
		return principal{}, nil
	}
	if cred.token == "" {
		return principal{}, errBadCredentials
	}
	if strings.HasPrefix(cred.token, accessTokenPrefix) {
		return verifyAccessToken(ctx, cred.token)
	}
	return verifySessionToken(ctx, cred.token)
}

// sessionClaims is the payload of a signed session token.
type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// signSessionToken creates a signed HS256 token for the user, valid for
// the configured session duration. The session id goes in the jti
// claim: iat/exp have second granularity, so without it two logins in
// quick succession would yield identical tokens.
func signSessionToken(user DBUser, sessionID string, now time.Time) (string, time.Time, error) {
	expires := now.Add(sessionDuration())
	claims := sessionClaims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.SessionSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return token, expires, nil
}

// newSession signs a token for the user and records the session. The
// token is only valid while the session row exists and is unexpired,
// independent of the expiry embedded in the token.
func newSession(ctx context.Context, user DBUser) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	token, expires, err := signSessionToken(user, id.String(), time.Now())
	if err != nil {
		return "", err
	}
	sess := DBSession{ID: id.String(), UserID: user.ID, Token: token, Expires: expires}
	if err := database.Insert(ctx, &sess); err != nil {
		return "", fmt.Errorf("storing session: %w", err)
	}
	return token, nil
}

// verifySessionToken checks the token signature and embedded expiry,
// and then requires a live, unexpired session row holding this exact
// token. A cryptographically valid token whose session was deleted
// (logout) or expired is rejected.
func verifySessionToken(ctx context.Context, token string) (principal, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(config.SessionSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return principal{}, errBadCredentials
	}

	sess, err := bstore.QueryDB[DBSession](ctx, database).FilterNonzero(DBSession{Token: token}).Get()
	if err == bstore.ErrAbsent {
		return principal{}, errBadCredentials
	}
	if err != nil {
		return principal{}, fmt.Errorf("looking up session: %w", err)
	}
	if time.Now().After(sess.Expires) {
		return principal{}, errBadCredentials
	}

	user := DBUser{ID: sess.UserID}
	if err := database.Get(ctx, &user); err != nil {
		return principal{}, errBadCredentials
	}
	return principal{User: user, SessionID: sess.ID}, nil
}

// dropSession removes the session row for a token, invalidating the
// token immediately even though its signature remains valid until the
// embedded expiry.
func dropSession(ctx context.Context, token string) error {
	_, err := bstore.QueryDB[DBSession](ctx, database).FilterNonzero(DBSession{Token: token}).Delete()
	return err
}

// hashToken is how access tokens are stored at rest: the sha256 of the
// full token literal, hex encoded.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// issueAccessToken generates a new personal access token for a user.
// The returned plaintext is shown to the user exactly once; only its
// hash is stored. A zero expires means the token does not expire.
func issueAccessToken(ctx context.Context, userID, name string, scopes []Scope, expires time.Time) (string, DBAccessToken, error) {
	buf := make([]byte, 32)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", DBAccessToken{}, fmt.Errorf("generating token: %w", err)
	}
	token := accessTokenPrefix + hex.EncodeToString(buf)

	id, err := uuid.NewV4()
	if err != nil {
		return "", DBAccessToken{}, err
	}
	var sl []string
	for _, s := range scopes {
		sl = append(sl, string(s))
	}
	at := DBAccessToken{
		ID:        id.String(),
		UserID:    userID,
		Name:      name,
		TokenHash: hashToken(token),
		Scopes:    sl,
		Expires:   expires,
	}
	if err := database.Insert(ctx, &at); err != nil {
		return "", DBAccessToken{}, fmt.Errorf("storing access token: %w", err)
	}
	return token, at, nil
}

// verifyAccessToken looks up a personal access token by the hash of its
// literal and checks expiry. On success the last-used timestamp is
// updated in the background, best effort.
func verifyAccessToken(ctx context.Context, token string) (principal, error) {
	hash := hashToken(token)
	at, err := bstore.QueryDB[DBAccessToken](ctx, database).FilterNonzero(DBAccessToken{TokenHash: hash}).Get()
	if err == bstore.ErrAbsent {
		return principal{}, errBadCredentials
	}
	if err != nil {
		return principal{}, fmt.Errorf("looking up access token: %w", err)
	}
	if !at.Expires.IsZero() && time.Now().After(at.Expires) {
		return principal{}, errBadCredentials
	}

	user := DBUser{ID: at.UserID}
	if err := database.Get(ctx, &user); err != nil {
		return principal{}, errBadCredentials
	}

	go touchAccessToken(at)

	var scopes []Scope
	for _, s := range at.Scopes {
		scopes = append(scopes, Scope(s))
	}
	if scopes == nil {
		scopes = []Scope{}
	}
	return principal{User: user, Scopes: scopes}, nil
}

// touchAccessToken records when an access token was last used. The
// token may have been deleted since it was verified, that is not worth
// logging.
func touchAccessToken(at DBAccessToken) {
	at.LastUsed = time.Now()
	err := database.Update(context.Background(), &at)
	if errors.Is(err, bstore.ErrAbsent) {
		return
	}
	logCheck(err, "updating access token last use")
}

// parseScopes validates a list of scope strings from the API.
func parseScopes(l []string) ([]Scope, error) {
	if len(l) == 0 {
		return nil, errors.New("at least one scope is required")
	}
	var scopes []Scope
	for _, s := range l {
		switch Scope(s) {
		case ScopeRead, ScopeWrite, ScopeAdmin:
			scopes = append(scopes, Scope(s))
		default:
			return nil, fmt.Errorf("invalid scope %q", s)
		}
	}
	return scopes, nil
}
