package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestGateway(t *testing.T, h http.Handler, cfg Config) *Gateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	g, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func TestSend_ClassifiesStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnprocessableEntity, KindConflict},
		{http.StatusLocked, KindReadOnly},
		{http.StatusInternalServerError, KindServerError},
		{http.StatusBadGateway, KindServerError},
		{http.StatusNotFound, KindUnknown},
		{http.StatusForbidden, KindUnknown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}), Config{})

			_, err := g.Send(context.Background(), Request{Method: "PUT", Path: "/api/group/1/completed/2"})
			var ge *Error
			if !errors.As(err, &ge) {
				t.Fatalf("expected *Error; got %T %v", err, err)
			}
			assert.Equal(t, tc.kind, ge.Kind)
			assert.Equal(t, tc.status, ge.Status)
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}
}

func TestSend_MessageOverrides(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}), Config{})

	_, err := g.Send(context.Background(), Request{
		Method:   "DELETE",
		Path:     "/api/group/1/student/4",
		Messages: map[int]string{422: "group already has completions"},
	})
	assert.Equal(t, "group already has completions", err.Error())
}

func TestSend_DeadlineDoesNotWaitForTransport(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	landed := make(chan struct{})
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
		close(landed)
	}), Config{})

	start := time.Now()
	_, err := g.Send(context.Background(), Request{Method: "PUT", Path: "/slow", Deadline: 50 * time.Millisecond})
	assert.Equal(t, KindTimeout, KindOf(err))
	if time.Since(start) > 2*time.Second {
		t.Fatalf("expected Send to return at the deadline")
	}

	// The request was not aborted; it still reaches the server.
	close(release)
	select {
	case <-landed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the late request to land")
	}
}

func TestSend_TransportFailureIsUnknownWithoutStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g, err := New(context.Background(), Config{BaseURL: url})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	_, err = g.Send(context.Background(), Request{Method: "PUT", Path: "/api/group/1/completed/1"})
	var ge *Error
	if !errors.As(err, &ge) {
		t.Fatalf("expected *Error; got %v", err)
	}
	assert.Equal(t, KindUnknown, ge.Kind)
	assert.Equal(t, 0, ge.Status)
	if ge.Err == nil {
		t.Fatalf("expected wrapped transport error")
	}
}

func TestSend_AttachesCredentialsAndBody(t *testing.T) {
	t.Parallel()

	var (
		gotAuth   string
		gotRID    string
		gotType   string
		gotBody   string
		gotCookie string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
	})
	mux.HandleFunc("/api/group/3/comment", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRID = r.Header.Get(RequestIDHeader)
		gotType = r.Header.Get("Content-Type")
		if c, err := r.Cookie("session"); err == nil {
			gotCookie = c.Value
		}
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusNoContent)
	})
	g := newTestGateway(t, mux, Config{Token: "tok"})

	if _, err := g.Send(context.Background(), Request{Method: "GET", Path: "/login"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	resp, err := g.Send(context.Background(), Request{Method: "PUT", Path: "/api/group/3/comment", Body: "late\n2024-05-02: ok"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, `"late\n2024-05-02: ok"`, gotBody)
	assert.Equal(t, "s1", gotCookie)
	assert.Equal(t, 26, len(gotRID))
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{BaseURL: "localhost"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestInvalid(t *testing.T) {
	t.Parallel()

	err := Invalid("comment for group %d is empty", 4)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "comment for group 4 is empty", err.Error())
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
