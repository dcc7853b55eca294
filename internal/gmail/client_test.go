package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// newTestClient wires a client against an httptest handler with a
// deterministic backoff (zero jitter, recorded instead of slept).
func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) (*Client, *[]time.Duration) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	store := &memStore{cred: validCred("at1")}
	refresher := &fakeRefresher{cred: validCred("at2")}
	src := NewCredentialSource(store, &fakeFlow{}, refresher, nil)

	opts = append([]ClientOption{
		WithBaseURL(ts.URL),
		WithHTTPClient(ts.Client()),
	}, opts...)
	c := NewClient(src, opts...)

	var mu sync.Mutex
	slept := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*slept = append(*slept, d)
		mu.Unlock()
		return nil
	}
	c.randFloat = func() float64 { return 0 }
	return c, slept
}

func TestListMessages(t *testing.T) {
	var gotQuery, gotToken, gotAuth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("q")
		gotToken = r.URL.Query().Get("pageToken")
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{
			"messages": [
				{"id": "m1", "threadId": "t1"},
				{"id": "m2", "threadId": "t2"}
			],
			"nextPageToken": "tok-2",
			"resultSizeEstimate": 7
		}`)
	})

	list, err := c.ListMessages(context.Background(), "in:inbox is:unread", "tok-1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if gotQuery != "in:inbox is:unread" {
		t.Errorf("q = %q", gotQuery)
	}
	if gotToken != "tok-1" {
		t.Errorf("pageToken = %q", gotToken)
	}
	if gotAuth != "Bearer at1" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	want := &MessageList{
		Messages: []MessageRef{
			{ID: "m1", ThreadID: "t1"},
			{ID: "m2", ThreadID: "t2"},
		},
		NextPageToken:      "tok-2",
		ResultSizeEstimate: 7,
	}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMessage(t *testing.T) {
	raw := "From: Ada <ada@example.com>\r\n" +
		"To: me@example.com\r\n" +
		"Subject: Hello\r\n" +
		"Message-ID: <orig@example.com>\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Ping?\r\n"

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages/m1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("format"); got != "raw" {
			t.Errorf("format = %q", got)
		}
		fmt.Fprintf(w, `{
			"id": "m1",
			"threadId": "t1",
			"labelIds": ["INBOX", "UNREAD"],
			"snippet": "Ping?",
			"raw": %q
		}`, base64.RawURLEncoding.EncodeToString([]byte(raw)))
	})

	msg, err := c.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.ID != "m1" || msg.ThreadID != "t1" {
		t.Errorf("ids = %q/%q", msg.ID, msg.ThreadID)
	}
	if !msg.HasLabel("UNREAD") {
		t.Errorf("labels = %v, want UNREAD present", msg.Labels)
	}
	if got := msg.Header("From"); got != "Ada <ada@example.com>" {
		t.Errorf("From = %q", got)
	}
	if msg.Body != "Ping?" {
		t.Errorf("body = %q", msg.Body)
	}
}

func TestRequestRetriesTransient(t *testing.T) {
	var calls int
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"messages": []}`)
	})

	if _, err := c.ListMessages(context.Background(), "", ""); err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	// Zero jitter makes the schedule exact: 1s then 2s.
	want := []time.Duration{time.Second, 2 * time.Second}
	if diff := cmp.Diff(want, *slept); diff != "" {
		t.Errorf("backoff schedule (-want +got):\n%s", diff)
	}
	for i := 1; i < len(*slept); i++ {
		if (*slept)[i] < (*slept)[i-1] {
			t.Errorf("backoff decreased: %v", *slept)
		}
	}
}

func TestRequestExhaustsBudget(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}, WithMaxAttempts(3))

	_, err := c.ListMessages(context.Background(), "", "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRequestUnauthorizedRefreshesOnce(t *testing.T) {
	var calls int
	var auths []string
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		auths = append(auths, r.Header.Get("Authorization"))
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"messages": []}`)
	})

	if _, err := c.ListMessages(context.Background(), "", ""); err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if auths[0] != "Bearer at1" || auths[1] != "Bearer at2" {
		t.Errorf("auth headers = %v, want forced refresh on retry", auths)
	}
	// The 401 retry happens immediately, outside the transient budget.
	if len(*slept) != 0 {
		t.Errorf("slept %v before the 401 retry", *slept)
	}
}

func TestRequestUnauthorizedAfterRefresh(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.ListMessages(context.Background(), "", "")
	if !IsAuthError(err) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want exactly 2 (one forced refresh)", calls)
	}
}

func TestRequestNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetMessage(context.Background(), "gone")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestRequestRateLimitedThrottles(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"messages": []}`)
	})

	before := time.Now()
	if _, err := c.ListMessages(context.Background(), "", ""); err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}

	c.pacer.mu.Lock()
	pause := c.pacer.pausedUntil.Sub(before)
	c.pacer.mu.Unlock()
	if pause < 25*time.Second {
		t.Errorf("throttle window = %v, want around 30s", pause)
	}
}

func TestRequestQuotaExceededRetries(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error": {"errors": [{"reason": "rateLimitExceeded"}]}}`)
			return
		}
		fmt.Fprint(w, `{"messages": []}`)
	})

	if _, err := c.ListMessages(context.Background(), "", ""); err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRequestForbiddenPermanent(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error": {"message": "Insufficient Permission"}}`)
	})

	_, err := c.ListMessages(context.Background(), "", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Errorf("permission denial retried as transient: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestApplyActionArchive(t *testing.T) {
	var gotPath string
	var gotBody []byte
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{}`)
	})

	msg := &Message{ID: "m1", ThreadID: "t1"}
	if err := c.ApplyAction(context.Background(), msg, Archive()); err != nil {
		t.Fatalf("ApplyAction: %v", err)
	}
	if gotPath != "/users/me/messages/m1/modify" {
		t.Errorf("path = %q", gotPath)
	}
	want := `{"removeLabelIds":["INBOX"]}`
	if string(gotBody) != want {
		t.Errorf("body = %s, want %s", gotBody, want)
	}
}

func TestApplyActionReplyThreadsSend(t *testing.T) {
	type sendBody struct {
		Raw      string `json:"raw"`
		ThreadID string `json:"threadId"`
	}
	var got sendBody
	var modifyBody string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/me/messages/send":
			if err := jsonDecode(r, &got); err != nil {
				t.Errorf("decode send body: %v", err)
			}
			fmt.Fprint(w, `{"id": "sent-1"}`)
		case "/users/me/messages/m1/modify":
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("read modify body: %v", err)
			}
			modifyBody = string(body)
			fmt.Fprint(w, `{}`)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	})

	msg := &Message{
		ID:       "m1",
		ThreadID: "t1",
		Headers: map[string]string{
			"From":       "Ada <ada@example.com>",
			"Subject":    "Hello",
			"Message-ID": "<orig@example.com>",
		},
	}
	if err := c.ApplyAction(context.Background(), msg, Reply("On it.")); err != nil {
		t.Fatalf("ApplyAction: %v", err)
	}
	if got.ThreadID != "t1" {
		t.Errorf("threadId = %q, want t1", got.ThreadID)
	}
	raw, err := base64.RawURLEncoding.DecodeString(got.Raw)
	if err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty raw payload")
	}
	// The same apply clears UNREAD so a retried unread listing cannot
	// trigger a second send.
	if want := `{"removeLabelIds":["UNREAD"]}`; modifyBody != want {
		t.Errorf("modify body = %q, want %q", modifyBody, want)
	}
}

func TestApplyActionAddLabelCreatesMissing(t *testing.T) {
	var paths []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/users/me/labels":
			fmt.Fprint(w, `{"labels": [{"id": "Label_1", "name": "Receipts"}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/users/me/labels":
			fmt.Fprint(w, `{"id": "Label_2", "name": "Triage"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/users/me/messages/m1/modify":
			fmt.Fprint(w, `{}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	msg := &Message{ID: "m1"}
	if err := c.ApplyAction(context.Background(), msg, AddLabel("Triage")); err != nil {
		t.Fatalf("ApplyAction: %v", err)
	}
	want := []string{
		"GET /users/me/labels",
		"POST /users/me/labels",
		"POST /users/me/messages/m1/modify",
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("request sequence (-want +got):\n%s", diff)
	}

	// A second use of the same label hits the cache.
	paths = nil
	if err := c.ApplyAction(context.Background(), msg, AddLabel("Triage")); err != nil {
		t.Fatalf("ApplyAction: %v", err)
	}
	want = []string{"POST /users/me/messages/m1/modify"}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("cached label sequence (-want +got):\n%s", diff)
	}
}

func TestApplyActionNoOpTouchesNothing(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	if err := c.ApplyAction(context.Background(), &Message{ID: "m1"}, NoOp()); err != nil {
		t.Fatalf("ApplyAction: %v", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestApplyActionRejectsInvalid(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("invalid action reached the network")
	})

	err := c.ApplyAction(context.Background(), &Message{ID: "m1"}, Action{Kind: "delete"})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestBackoffCapped(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	c.backoffUnit = time.Second
	if got := c.backoff(20); got != maxBackoff {
		t.Errorf("backoff(20) = %v, want cap %v", got, maxBackoff)
	}
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
