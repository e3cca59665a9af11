package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/and161185/learnlog/internal/errs"
)

type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// authURL is a URL inside the scope of the refresh cookie.
func (s *Session) authURL() *url.URL {
	u := *s.base
	u.Path = s.cookiePath() + "/"
	return &u
}

func (s *Session) cookiePath() string { return s.base.Path + "/api/auth" }

// HasRefreshCookie reports whether a refresh cookie is available.
func (s *Session) HasRefreshCookie() bool {
	return len(s.jar.Cookies(s.authURL())) > 0
}

func (s *Session) saveCookies(ctx context.Context) {
	if s.store == nil {
		return
	}
	cookies := s.jar.Cookies(s.authURL())
	out := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, storedCookie{Name: c.Name, Value: c.Value})
	}
	b, err := json.Marshal(out)
	if err == nil {
		err = s.store.Put(ctx, CookiesKey, b)
	}
	if err != nil {
		s.log.Warn("persist auth cookies", zap.Error(err))
	}
}

func (s *Session) loadCookies(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	b, err := s.store.Get(ctx, CookiesKey)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var in []storedCookie
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	u := s.authURL()
	cookies := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: s.cookiePath(), HttpOnly: true})
	}
	s.jar.SetCookies(u, cookies)
	return nil
}

func (s *Session) deleteCookies(ctx context.Context) {
	u := s.authURL()
	expired := make([]*http.Cookie, 0)
	for _, c := range s.jar.Cookies(u) {
		expired = append(expired, &http.Cookie{Name: c.Name, Path: s.cookiePath(), MaxAge: -1})
	}
	s.jar.SetCookies(u, expired)
	if s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, CookiesKey); err != nil {
		s.log.Warn("delete auth cookies", zap.Error(err))
	}
}
