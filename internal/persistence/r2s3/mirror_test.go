package r2s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	auth    []string
	hold    chan struct{}
	got     chan string
}

func newBucket() *bucket {
	return &bucket{objects: map[string][]byte{}, got: make(chan string, 16)}
}

func (b *bucket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	sum := sha256.Sum256(body)
	if r.Method != http.MethodPut || r.Header.Get("x-amz-content-sha256") != hex.EncodeToString(sum[:]) {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.objects[r.URL.Path] = body
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	hold := b.hold
	b.mu.Unlock()
	b.got <- r.URL.Path
	if hold != nil {
		<-hold
	}
	rw.WriteHeader(http.StatusOK)
}

func writeFile(t *testing.T, p, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMirror_UploadsSignedUnderPrefix(t *testing.T) {
	bk := newBucket()
	srv := httptest.NewServer(bk)
	defer srv.Close()

	cl, err := New(srv.URL, "stacks", "AKID", "secret")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	data := t.TempDir()
	p := filepath.Join(data, "regions", "world_1", "events", "events-2026-01-02-03.jsonl.zst")
	writeFile(t, p, "payload")

	m := NewMirror(cl, data, "/prod/", 1, 8, nil)
	m.Enqueue(p)
	m.Close()

	want := "/stacks/prod/regions/world_1/events/events-2026-01-02-03.jsonl.zst"
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if string(bk.objects[want]) != "payload" {
		t.Fatalf("objects=%v", bk.objects)
	}
	if len(bk.auth) != 1 || !strings.HasPrefix(bk.auth[0], "AWS4-HMAC-SHA256 Credential=AKID/") {
		t.Fatalf("auth=%v", bk.auth)
	}
	if st := m.Stats(); st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_CoalescesQueuedPath(t *testing.T) {
	bk := newBucket()
	bk.hold = make(chan struct{})
	srv := httptest.NewServer(bk)
	defer srv.Close()

	cl, err := New(srv.URL, "stacks", "AKID", "secret")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	data := t.TempDir()
	a := filepath.Join(data, "a.stk.zst")
	b := filepath.Join(data, "b.stk.zst")
	writeFile(t, a, "a")
	writeFile(t, b, "b")

	m := NewMirror(cl, data, "", 1, 8, nil)
	m.Enqueue(a)
	select {
	case <-bk.got:
	case <-time.After(5 * time.Second):
		t.Fatalf("first upload never arrived")
	}
	// The only worker is busy with a; b waits in the queue.
	m.Enqueue(b)
	m.Enqueue(b)
	m.Enqueue(b)
	close(bk.hold)
	m.Close()

	st := m.Stats()
	if st.EnqueuedTotal != 4 || st.CoalescedTotal != 2 || st.UploadSuccessTotal != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_SkipsPathsOutsideDataDir(t *testing.T) {
	m := NewMirror(nil, t.TempDir(), "", 1, 1, nil)
	defer m.Close()
	outside := filepath.Join(t.TempDir(), "x")
	writeFile(t, outside, "x")
	if _, err := m.objectKey(outside); err == nil {
		t.Fatalf("expected error for %s", outside)
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"/a/b":      "a/b",
		"a\\b":      "a/b",
		"a/../../x": "x",
		"  ":        "",
		"a/./b//c":  "a/b/c",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q)=%q want %q", in, got, want)
		}
	}
}

func TestClient_PutFileSignsAndReportsStatus(t *testing.T) {
	var gotAuth, gotType, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotAuth, gotType, gotPath = r.Header.Get("Authorization"), r.Header.Get("Content-Type"), r.URL.Path
		if strings.HasSuffix(r.URL.Path, "denied.stk.zst") {
			http.Error(rw, "AccessDenied", http.StatusForbidden)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cl, err := New(srv.URL, "stacks", "AKID", "secret")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	cl.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	dir := t.TempDir()
	p := filepath.Join(dir, "r.1.2.stk.zst")
	writeFile(t, p, "region")

	if err := cl.PutFile(context.Background(), "/w/r.1.2.stk.zst", p); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotPath != "/stacks/w/r.1.2.stk.zst" || gotType != "application/zstd" {
		t.Fatalf("path=%s type=%s", gotPath, gotType)
	}
	wantPrefix := "AWS4-HMAC-SHA256 Credential=AKID/20260102/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature="
	if !strings.HasPrefix(gotAuth, wantPrefix) || len(gotAuth) != len(wantPrefix)+64 {
		t.Fatalf("auth=%s", gotAuth)
	}

	err = cl.PutFile(context.Background(), "denied.stk.zst", p)
	if err == nil || !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("err=%v", err)
	}
	if err := cl.PutFile(context.Background(), " / ", p); err == nil {
		t.Fatalf("empty key accepted")
	}
}
