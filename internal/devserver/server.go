// Package devserver is a local stand-in for the lab-course backend: the same HTTP endpoints and
// push stream, backed by a SQLite fixture database.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"

	"labcourse-cli/internal/model"
	"labcourse-cli/internal/reconcile"
)

type ServerConfig struct {
	Addr string
	// DBPath is the SQLite file; ":memory:" keeps the state in memory.
	DBPath string
	// Secret signs tutor tokens. Empty disables authentication.
	Secret []byte
	// Seed fills an empty database with fixture data for Year.
	Seed      bool
	Year      int
	FirstDate time.Time
	// KeepAlive is the ping interval of push streams.
	KeepAlive time.Duration
}

type Server struct {
	cfg   ServerConfig
	store *Store
	push  *pushServer
}

func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = ":memory:"
	}
	st, err := OpenStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.Seed {
		year := cfg.Year
		if year == 0 {
			year = time.Now().Year()
		}
		first := cfg.FirstDate
		if first.IsZero() {
			first = time.Now()
		}
		if err := st.Seed(ctx, year, first); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return &Server{cfg: cfg, store: st, push: newPushServer(cfg.KeepAlive)}, nil
}

func (s *Server) Addr() string  { return s.cfg.Addr }
func (s *Server) Store() *Store { return s.store }
func (s *Server) Close() error  { return s.store.Close() }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireTutor(s.cfg.Secret))

		r.Get("/push/{year}", s.push.handleStream)

		r.Route("/api", func(r chi.Router) {
			r.Get("/event/{date}", s.handleEvent)
			r.Put("/group/{group}/completed/{task}", s.handleCompletion(true))
			r.Delete("/group/{group}/completed/{task}", s.handleCompletion(false))
			r.Put("/group/{group}/elaboration/{experiment}", s.handlePutElaboration)
			r.Delete("/group/{group}/elaboration/{experiment}", s.handleDeleteElaboration)
			r.Put("/group/{group}/comment", s.handleComment)
			r.Put("/group/{group}/student/{student}", s.handleAddStudent)
			r.Delete("/group/{group}/student/{student}", s.handleRemoveStudent)
			r.Put("/student/{student}/instructed", s.handleInstructed)
			r.Post("/group/search", s.handleSearchGroups)
			r.Post("/student/search", s.handleSearchStudents)
			r.Put("/year/{year}/writable", s.handleYearWritable)
			r.Get("/year/{year}/audit", s.handleAudit)
		})
	})
	return r
}

func pathInt(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func pathInts(r *http.Request, names ...string) ([]int, error) {
	out := make([]int, 0, len(names))
	for _, n := range names {
		v, err := pathInt(r, n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeJSON(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("write response: %v", err)
	}
}

// writeError maps store errors to the status codes clients classify on.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConstraint):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrLocked):
		status = http.StatusLocked
	}
	if status == http.StatusInternalServerError {
		glog.Errorf("%s %s %s: %v", middleware.GetReqID(r.Context()), r.Method, r.URL.Path, err)
	} else {
		glog.V(1).Infof("%s %s %s: %d %v", middleware.GetReqID(r.Context()), r.Method, r.URL.Path, status, err)
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}
	ev, err := s.store.Event(r.Context(), date)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, ev)
}

func (s *Server) handleCompletion(completed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := pathInts(r, "group", "task")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		year, err := s.store.SetCompletion(r.Context(), tutorFrom(r.Context()), ids[0], ids[1], completed)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.push.Push(year, string(reconcile.KindCompletion), reconcile.CompletionPayload{Group: ids[0], Task: ids[1], Completed: completed})
		w.WriteHeader(http.StatusNoContent)
	}
}

type elaborationBody struct {
	ReworkRequired bool `json:"rework_required"`
	Accepted       bool `json:"accepted"`
}

func (s *Server) handlePutElaboration(w http.ResponseWriter, r *http.Request) {
	var body elaborationBody
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.setElaboration(w, r, model.Grade{HandedIn: true, ReworkRequired: body.ReworkRequired, Accepted: body.Accepted})
}

func (s *Server) handleDeleteElaboration(w http.ResponseWriter, r *http.Request) {
	s.setElaboration(w, r, model.Grade{})
}

func (s *Server) setElaboration(w http.ResponseWriter, r *http.Request, g model.Grade) {
	ids, err := pathInts(r, "group", "experiment")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	year, err := s.store.SetElaboration(r.Context(), tutorFrom(r.Context()), ids[0], ids[1], g)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.push.Push(year, string(reconcile.KindElaboration), reconcile.ElaborationPayload{
		Group:      ids[0],
		Experiment: ids[1],
		HandedIn:   g.HandedIn,
		Rework:     g.ReworkRequired,
		Accepted:   g.Accepted,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	group, err := pathInt(r, "group")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var comment string
	if err := decodeJSON(r, &comment); err != nil {
		http.Error(w, "comment must be a JSON string", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(comment) > model.MaxCommentLen {
		http.Error(w, fmt.Sprintf("comment exceeds %d characters", model.MaxCommentLen), http.StatusBadRequest)
		return
	}
	author := tutorFrom(r.Context())
	year, err := s.store.SetComment(r.Context(), author, group, comment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.push.Push(year, string(reconcile.KindComment), reconcile.CommentPayload{Group: group, Author: author, Comment: comment})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddStudent(w http.ResponseWriter, r *http.Request) {
	ids, err := pathInts(r, "group", "student")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	year, name, err := s.store.AddStudent(r.Context(), tutorFrom(r.Context()), ids[0], ids[1])
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.push.Push(year, string(reconcile.KindStudent), reconcile.StudentPayload{
		Type:    reconcile.StudentAdd,
		Group:   ids[0],
		Student: ids[1],
		Name:    name,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveStudent(w http.ResponseWriter, r *http.Request) {
	ids, err := pathInts(r, "group", "student")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	year, err := s.store.RemoveStudent(r.Context(), tutorFrom(r.Context()), ids[0], ids[1])
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.push.Push(year, string(reconcile.KindStudent), reconcile.StudentPayload{Type: reconcile.StudentRemove, Student: ids[1]})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstructed(w http.ResponseWriter, r *http.Request) {
	student, err := pathInt(r, "student")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var instructed bool
	if err := decodeJSON(r, &instructed); err != nil {
		http.Error(w, "instructed must be a JSON bool", http.StatusBadRequest)
		return
	}
	year, err := s.store.SetInstructed(r.Context(), tutorFrom(r.Context()), student, instructed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.push.Push(year, string(reconcile.KindStudent), reconcile.StudentPayload{
		Type:       reconcile.StudentInstructed,
		Student:    student,
		Instructed: instructed,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchStudents(w http.ResponseWriter, r *http.Request) {
	var q model.SearchQuery
	if err := decodeJSON(r, &q); err != nil {
		http.Error(w, "invalid search", http.StatusBadRequest)
		return
	}
	res, err := s.store.SearchStudents(r.Context(), q.Terms, q.Year)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleSearchGroups(w http.ResponseWriter, r *http.Request) {
	var q model.SearchQuery
	if err := decodeJSON(r, &q); err != nil {
		http.Error(w, "invalid search", http.StatusBadRequest)
		return
	}
	res, err := s.store.SearchGroups(r.Context(), q.Terms, q.Year)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleYearWritable(w http.ResponseWriter, r *http.Request) {
	year, err := parseYear(chi.URLParam(r, "year"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var writable bool
	if err := decodeJSON(r, &writable); err != nil {
		http.Error(w, "writable must be a JSON bool", http.StatusBadRequest)
		return
	}
	if err := s.store.SetWritable(r.Context(), year, writable); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	year, err := parseYear(chi.URLParam(r, "year"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.Audit(r.Context(), year, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeJSON(w, entries)
}
