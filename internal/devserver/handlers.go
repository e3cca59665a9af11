package devserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/model"
)

const (
	authPath           = "/api/auth"
	defaultTopicLimit  = 100
	defaultSearchLimit = 10
)

// --- Auth ---

func (s *Server) login(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return invalid(fieldError{Loc: []any{"body"}, Msg: "Invalid form body", Type: "value_error"})
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	var missingFields []fieldError
	if username == "" {
		missingFields = append(missingFields, missing("body", "username"))
	}
	if password == "" {
		missingFields = append(missingFields, missing("body", "password"))
	}
	if len(missingFields) > 0 {
		return invalid(missingFields...)
	}

	uid, err := s.accounts.login(r.Context(), username, password, remoteIP(r))
	switch {
	case errors.Is(err, errs.ErrRateLimited):
		return detail(http.StatusTooManyRequests, "Too many login attempts")
	case errors.Is(err, errs.ErrUnauthorized):
		return detail(http.StatusUnauthorized, "Incorrect username or password")
	case err != nil:
		return err
	}
	return s.grant(w, uid)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) error {
	c, err := r.Cookie(RefreshCookie)
	if err != nil {
		return detail(http.StatusUnauthorized, "Missing refresh token")
	}
	uid, err := s.accounts.rotate(c.Value)
	if err != nil {
		clearRefreshCookie(w)
		return detail(http.StatusUnauthorized, "Invalid refresh token")
	}
	return s.grant(w, uid)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) error {
	if c, err := r.Cookie(RefreshCookie); err == nil {
		s.accounts.revoke(c.Value)
	}
	clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// grant issues an access token in the body and a fresh refresh cookie.
func (s *Server) grant(w http.ResponseWriter, uid uuid.UUID) error {
	access, _, err := s.accounts.issueAccessToken(uid)
	if err != nil {
		return err
	}
	refresh, err := s.accounts.issueRefreshToken(uid)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    refresh,
		Path:     authPath,
		MaxAge:   int(s.accounts.refreshTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, model.TokenRead{
		Token:     access,
		TokenType: "bearer",
		ExpiresIn: int64(s.accounts.accessTTL.Seconds()),
	})
	s.log.Debug("token granted", zap.String("user_id", uid.String()))
	return nil
}

func clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Path: authPath, MaxAge: -1, HttpOnly: true})
}

// --- Params ---

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, invalid(fieldError{
			Loc:  []any{"query", name},
			Msg:  "Input should be a valid integer",
			Type: "int_parsing",
		})
	}
	return n, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, invalid(fieldError{Loc: []any{"path", "id"}, Msg: "Input should be a valid integer", Type: "int_parsing"})
	}
	return id, nil
}

func tooShort(field string) fieldError {
	return fieldError{Loc: []any{"body", field}, Msg: "String should have at least 1 character", Type: "string_too_short"}
}

// --- Topics ---

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) error {
	var parent *int64
	if v := r.URL.Query().Get("parent_id"); v != "" {
		n, err := queryInt(r, "parent_id", 0)
		if err != nil {
			return err
		}
		parent = model.Int64(int64(n))
	}
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		return err
	}
	limit, err := queryInt(r, "limit", defaultTopicLimit)
	if err != nil {
		return err
	}
	return s.withLibrary(r, func(l *library) error {
		all := l.children(parent)
		if skip > len(all) {
			skip = len(all)
		}
		all = all[skip:]
		if len(all) > limit {
			all = all[:limit]
		}
		writeJSON(w, http.StatusOK, all)
		return nil
	})
}

func (s *Server) searchTopics(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query().Get("q")
	if q == "" {
		return invalid(missing("query", "q"))
	}
	limit, err := queryInt(r, "limit", defaultSearchLimit)
	if err != nil {
		return err
	}
	return s.withLibrary(r, func(l *library) error {
		writeJSON(w, http.StatusOK, l.searchTopics(q, limit))
		return nil
	})
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	return s.withLibrary(r, func(l *library) error {
		t, ok := l.topics[id]
		if !ok {
			return notFound("Topic")
		}
		writeJSON(w, http.StatusOK, l.detail(t))
		return nil
	})
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) error {
	var in model.TopicCreate
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return invalid(tooShort("name"))
	}
	return s.withLibrary(r, func(l *library) error {
		if in.ParentID != nil {
			if _, ok := l.topics[*in.ParentID]; !ok {
				return notFound("Parent topic")
			}
		}
		t := &topicRec{id: s.newID(), name: in.Name, parentID: copyID(in.ParentID)}
		l.topics[t.id] = t
		writeJSON(w, http.StatusCreated, l.view(t))
		return nil
	})
}

func (s *Server) updateTopic(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var in model.TopicUpdate
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return invalid(tooShort("name"))
	}
	return s.withLibrary(r, func(l *library) error {
		t, ok := l.topics[id]
		if !ok {
			return notFound("Topic")
		}
		next := *t
		if in.Name != nil {
			next.name = strings.TrimSpace(*in.Name)
		}
		if in.ParentID != nil {
			next.parentID = copyID(in.ParentID)
		}
		if err := model.ValidateTree(l.tree(&next)); err != nil {
			return detail(http.StatusBadRequest, "Invalid parent: "+err.Error())
		}
		*t = next
		writeJSON(w, http.StatusOK, l.view(t))
		return nil
	})
}

func (s *Server) deleteTopic(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	return s.withLibrary(r, func(l *library) error {
		if _, ok := l.topics[id]; !ok {
			return notFound("Topic")
		}
		l.removeTopic(id)
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

// --- Entries ---

func (s *Server) searchEntries(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query().Get("q")
	if q == "" {
		return invalid(missing("query", "q"))
	}
	return s.withLibrary(r, func(l *library) error {
		writeJSON(w, http.StatusOK, l.searchEntries(q))
		return nil
	})
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	return s.withLibrary(r, func(l *library) error {
		e, ok := l.entries[id]
		if !ok {
			return notFound("Entry")
		}
		writeJSON(w, http.StatusOK, l.entryView(e))
		return nil
	})
}

func (s *Server) createEntry(w http.ResponseWriter, r *http.Request) error {
	var in model.EntryCreate
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	var problems []fieldError
	if strings.TrimSpace(in.Description) == "" {
		problems = append(problems, tooShort("description"))
	}
	if in.TopicID == 0 {
		problems = append(problems, missing("body", "topic_id"))
	}
	if len(problems) > 0 {
		return invalid(problems...)
	}
	return s.withLibrary(r, func(l *library) error {
		if _, ok := l.topics[in.TopicID]; !ok {
			return notFound("Topic")
		}
		e := &entryRec{id: s.newID(), description: in.Description, topicID: in.TopicID}
		l.entries[e.id] = e
		writeJSON(w, http.StatusCreated, l.entryView(e))
		return nil
	})
}

func (s *Server) updateEntry(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var in model.EntryUpdate
	if err := decodeJSON(w, r, &in); err != nil {
		return err
	}
	if in.Description != nil && strings.TrimSpace(*in.Description) == "" {
		return invalid(tooShort("description"))
	}
	return s.withLibrary(r, func(l *library) error {
		e, ok := l.entries[id]
		if !ok {
			return notFound("Entry")
		}
		if in.TopicID != nil {
			if _, ok := l.topics[*in.TopicID]; !ok {
				return notFound("Topic")
			}
			e.topicID = *in.TopicID
		}
		if in.Description != nil {
			e.description = *in.Description
		}
		writeJSON(w, http.StatusOK, l.entryView(e))
		return nil
	})
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	return s.withLibrary(r, func(l *library) error {
		if _, ok := l.entries[id]; !ok {
			return notFound("Entry")
		}
		delete(l.entries, id)
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}
