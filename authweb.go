package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/mjl-/bstore"
)

// Web login. Users sign in through Google or GitHub OAuth2; on the
// callback we find or create the account and hand out a session cookie.
// No password storage, the identity provider is the source of truth.

// authStateDuration is how long a started OAuth flow stays redeemable.
const authStateDuration = 10 * time.Minute

// userErr is a request error in the auth and api handlers, returned to
// the client as {"error": message}.
type userErr struct {
	code int
	msg  string
}

func xusererrorf(code int, format string, args ...any) {
	panic(userErr{code, fmt.Sprintf(format, args...)})
}

func respondUserErr(w http.ResponseWriter, e userErr) {
	respondJSON(w, e.code, map[string]string{"error": e.msg})
}

// webRecover is the shared panic kernel for the auth and api handlers.
// Must be called in a defer.
func webRecover(w *loggingWriter, server string) {
	if w.WriteErr != nil && !isClosed(w.WriteErr) {
		logger.Errorw("writing response", "err", w.WriteErr)
	}

	x := recover()
	if x == nil {
		return
	}
	if err, ok := x.(serverErr); ok {
		logger.Errorw("internal server error", "err", err.err, "op", w.Op)
		respondUserErr(w, userErr{http.StatusInternalServerError, "internal server error"})
	} else if err, ok := x.(userErr); ok {
		if debugFlag {
			logger.Debugw("request error", "code", err.code, "msg", err.msg)
		}
		respondUserErr(w, err)
	} else {
		metricPanic.WithLabelValues(server).Inc()
		panic(x)
	}
}

// xwebPrincipal resolves the credential for the JSON endpoints, where
// errors are reported in the api error format instead of the registry
// error envelope.
func xwebPrincipal(r *http.Request) principal {
	p, err := verifyCredential(r.Context(), extractCredential(r))
	if err == errBadCredentials {
		xusererrorf(http.StatusUnauthorized, "invalid or expired credentials")
	}
	xcheckf(err, "verifying credentials")
	return p
}

// oauthProfile is what we need from an identity provider about the user
// who just authorized us.
type oauthProfile struct {
	Provider   string
	ProviderID string
	Email      string
	FullName   string
	AvatarURL  string
}

type oauthProvider interface {
	Name() string
	// AuthURL is where we redirect the browser to start authorization.
	AuthURL(state string) string
	// Profile exchanges the authorization code for the user's profile.
	Profile(ctx context.Context, code string) (oauthProfile, error)
}

// Replaced in tests.
var oauthHTTPClient = http.DefaultClient

func redirectURI(provider string) string {
	return config.BaseURL + "/auth/callback/" + provider
}

func providerByName(name string) oauthProvider {
	switch name {
	case "google":
		if config.Google.ClientID != "" {
			return googleProvider{}
		}
	case "github":
		if config.GitHub.ClientID != "" {
			return githubProvider{}
		}
	}
	return nil
}

type googleProvider struct{}

func (googleProvider) Name() string { return "google" }

func (googleProvider) AuthURL(state string) string {
	q := url.Values{}
	q.Set("client_id", config.Google.ClientID)
	q.Set("redirect_uri", redirectURI("google"))
	q.Set("response_type", "code")
	q.Set("scope", "openid email profile")
	q.Set("state", state)
	return "https://accounts.google.com/o/oauth2/v2/auth?" + q.Encode()
}

func (googleProvider) Profile(ctx context.Context, code string) (oauthProfile, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", config.Google.ClientID)
	form.Set("client_secret", config.Google.ClientSecret)
	form.Set("redirect_uri", redirectURI("google"))
	form.Set("grant_type", "authorization_code")
	var token struct {
		AccessToken string `json:"access_token"`
	}
	err := httpJSON(ctx, "POST", "https://oauth2.googleapis.com/token", form, "", &token)
	if err != nil {
		return oauthProfile{}, fmt.Errorf("exchanging code: %w", err)
	}
	if token.AccessToken == "" {
		return oauthProfile{}, fmt.Errorf("no access token in response")
	}

	var info struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	err = httpJSON(ctx, "GET", "https://www.googleapis.com/oauth2/v2/userinfo", nil, token.AccessToken, &info)
	if err != nil {
		return oauthProfile{}, fmt.Errorf("fetching userinfo: %w", err)
	}
	if info.ID == "" || info.Email == "" {
		return oauthProfile{}, fmt.Errorf("incomplete profile from google")
	}
	return oauthProfile{Provider: "google", ProviderID: info.ID, Email: info.Email, FullName: info.Name, AvatarURL: info.Picture}, nil
}

type githubProvider struct{}

func (githubProvider) Name() string { return "github" }

func (githubProvider) AuthURL(state string) string {
	q := url.Values{}
	q.Set("client_id", config.GitHub.ClientID)
	q.Set("redirect_uri", redirectURI("github"))
	q.Set("scope", "read:user user:email")
	q.Set("state", state)
	return "https://github.com/login/oauth/authorize?" + q.Encode()
}

func (githubProvider) Profile(ctx context.Context, code string) (oauthProfile, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", config.GitHub.ClientID)
	form.Set("client_secret", config.GitHub.ClientSecret)
	form.Set("redirect_uri", redirectURI("github"))
	var token struct {
		AccessToken string `json:"access_token"`
	}
	err := httpJSON(ctx, "POST", "https://github.com/login/oauth/access_token", form, "", &token)
	if err != nil {
		return oauthProfile{}, fmt.Errorf("exchanging code: %w", err)
	}
	if token.AccessToken == "" {
		return oauthProfile{}, fmt.Errorf("no access token in response")
	}

	var info struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	err = httpJSON(ctx, "GET", "https://api.github.com/user", nil, token.AccessToken, &info)
	if err != nil {
		return oauthProfile{}, fmt.Errorf("fetching user: %w", err)
	}
	if info.ID == 0 {
		return oauthProfile{}, fmt.Errorf("incomplete profile from github")
	}

	// The public profile email can be unset, the emails endpoint always
	// has the verified addresses.
	if info.Email == "" {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		err := httpJSON(ctx, "GET", "https://api.github.com/user/emails", nil, token.AccessToken, &emails)
		if err != nil {
			return oauthProfile{}, fmt.Errorf("fetching emails: %w", err)
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				info.Email = e.Email
				break
			}
		}
	}
	if info.Email == "" {
		return oauthProfile{}, fmt.Errorf("no verified email address on github account")
	}
	name := info.Name
	if name == "" {
		name = info.Login
	}
	return oauthProfile{Provider: "github", ProviderID: fmt.Sprintf("%d", info.ID), Email: info.Email, FullName: name, AvatarURL: info.AvatarURL}, nil
}

// httpJSON does a request against an identity provider and decodes the
// JSON response. A form makes it a POST with a urlencoded body.
func httpJSON(ctx context.Context, method, u string, form url.Values, bearer string, resp any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Accept", "application/json")
	r, err := oauthHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	if r.StatusCode/100 != 2 {
		return fmt.Errorf("status %s", r.Status)
	}
	return json.NewDecoder(r.Body).Decode(resp)
}

// newAuthState starts an OAuth flow, sweeping expired flows while we're
// at it.
func newAuthState(ctx context.Context, provider string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	err = database.Write(ctx, func(tx *bstore.Tx) error {
		_, err := bstore.QueryTx[DBAuthState](tx).FilterLess("Created", time.Now().Add(-authStateDuration)).Delete()
		if err != nil {
			return fmt.Errorf("sweeping expired auth states: %w", err)
		}
		return tx.Insert(&DBAuthState{State: id.String(), Provider: provider})
	})
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// takeAuthState redeems a state. States are single-use: a valid row is
// deleted whether or not the rest of the callback succeeds.
func takeAuthState(ctx context.Context, state, provider string) (bool, error) {
	valid := false
	err := database.Write(ctx, func(tx *bstore.Tx) error {
		st := DBAuthState{State: state}
		err := tx.Get(&st)
		if err == bstore.ErrAbsent {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&st); err != nil {
			return err
		}
		valid = st.Provider == provider && time.Since(st.Created) < authStateDuration
		return nil
	})
	return valid, err
}

type authHandler struct{}

func (ah authHandler) ServeHTTP(xw http.ResponseWriter, r *http.Request) {
	w := &loggingWriter{
		W:     xw,
		Start: time.Now(),
		R:     r,
		Op:    "(auth)",
	}
	defer webRecover(w, "auth")

	if debugFlag {
		logger.Debugw("auth request", "path", r.URL.Path, "method", r.Method)
	}

	switch {
	case r.URL.Path == "/auth/me" && r.Method == "GET":
		w.Op = "authMe"
		ah.me(w, r)
	case r.URL.Path == "/auth/logout" && r.Method == "POST":
		w.Op = "authLogout"
		ah.logout(w, r)
	case (r.URL.Path == "/auth/google" || r.URL.Path == "/auth/github") && r.Method == "GET":
		w.Op = "authStart"
		ah.start(w, r, strings.TrimPrefix(r.URL.Path, "/auth/"))
	case strings.HasPrefix(r.URL.Path, "/auth/callback/") && r.Method == "GET":
		w.Op = "authCallback"
		ah.callback(w, r, strings.TrimPrefix(r.URL.Path, "/auth/callback/"))
	default:
		xusererrorf(http.StatusNotFound, "not found")
	}
}

// GET /auth/me
//
// The profile of the currently signed in user.
func (authHandler) me(w http.ResponseWriter, r *http.Request) {
	p := xwebPrincipal(r)
	if !p.Authenticated() {
		xusererrorf(http.StatusUnauthorized, "not signed in")
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"id":        p.User.ID,
		"email":     p.User.Email,
		"fullName":  p.User.FullName,
		"avatarURL": p.User.AvatarURL,
		"provider":  p.User.Provider,
	})
}

// GET /auth/{provider}
//
// Redirect to the identity provider's authorization page.
func (authHandler) start(w http.ResponseWriter, r *http.Request, name string) {
	prov := providerByName(name)
	if prov == nil {
		xusererrorf(http.StatusNotFound, "sign in with %s is not configured", name)
	}
	state, err := newAuthState(r.Context(), name)
	xcheckf(err, "creating auth state")
	http.Redirect(w, r, prov.AuthURL(state), http.StatusFound)
}

// GET /auth/callback/{provider}
//
// The provider sends the browser back here after authorization. We
// verify the state, exchange the code for a profile, find or create the
// account and set the session cookie.
func (authHandler) callback(w http.ResponseWriter, r *http.Request, name string) {
	prov := providerByName(name)
	if prov == nil {
		xusererrorf(http.StatusNotFound, "sign in with %s is not configured", name)
	}
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		xusererrorf(http.StatusBadRequest, "missing state or code")
	}
	ok, err := takeAuthState(r.Context(), state, name)
	xcheckf(err, "redeeming auth state")
	if !ok {
		xusererrorf(http.StatusBadRequest, "invalid or expired authorization state")
	}

	profile, err := prov.Profile(r.Context(), code)
	if err != nil {
		logger.Errorw("oauth exchange", "provider", name, "err", err)
		xusererrorf(http.StatusBadGateway, "signing in with %s failed", name)
	}

	var user DBUser
	err = database.Write(r.Context(), func(tx *bstore.Tx) error {
		var err error
		user, err = bstore.QueryTx[DBUser](tx).FilterNonzero(DBUser{Provider: profile.Provider, ProviderID: profile.ProviderID}).Get()
		if err == bstore.ErrAbsent {
			id, err := uuid.NewV4()
			xcheckf(err, "generating user id")
			user = DBUser{
				ID:         id.String(),
				Email:      profile.Email,
				FullName:   profile.FullName,
				AvatarURL:  profile.AvatarURL,
				Provider:   profile.Provider,
				ProviderID: profile.ProviderID,
			}
			return tx.Insert(&user)
		}
		if err != nil {
			return err
		}
		// Keep the profile fresh on each sign in.
		user.Email = profile.Email
		user.FullName = profile.FullName
		user.AvatarURL = profile.AvatarURL
		user.Updated = time.Now()
		return tx.Update(&user)
	})
	xcheckf(err, "storing user")

	token, err := newSession(r.Context(), user)
	xcheckf(err, "creating session")
	http.SetCookie(w, sessionCookie(token, int(sessionDuration()/time.Second)))
	http.Redirect(w, r, "/", http.StatusFound)
}

// POST /auth/logout
//
// Delete the session. The signed token remains cryptographically valid
// until its embedded expiry, but without the session row it no longer
// authenticates anything.
func (authHandler) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("session"); err == nil && c.Value != "" {
		err := dropSession(r.Context(), c.Value)
		xcheckf(err, "dropping session")
	}
	http.SetCookie(w, sessionCookie("", -1))
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
}

func sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     "session",
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   strings.HasPrefix(config.BaseURL, "https://"),
	}
}
