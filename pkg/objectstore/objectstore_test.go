package objectstore_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/objectstore"
)

func newBucket(t *testing.T) *objectstore.FS {
	t.Helper()
	b, err := objectstore.NewFS(t.TempDir(), "https://cdn.test/media/")
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return b
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newBucket(t)

	u, err := b.Put(ctx, "interviews/proj/iv-1.mp3", strings.NewReader("first"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if u != "https://cdn.test/media/interviews/proj/iv-1.mp3" {
		t.Fatalf("url = %q", u)
	}
	if _, err := b.Put(ctx, "interviews/proj/iv-1.mp3", strings.NewReader("second"), "audio/mpeg"); err != nil {
		t.Fatalf("re-Put: %v", err)
	}

	rc, err := b.Get(ctx, "interviews/proj/iv-1.mp3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "second" {
		t.Fatalf("content = %q, want overwrite", data)
	}

	if err := b.Delete(ctx, "interviews/proj/iv-1.mp3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "interviews/proj/iv-1.mp3"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := b.Get(ctx, "interviews/proj/iv-1.mp3"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	b := newBucket(t)
	for _, key := range []string{"", "/", "../etc/passwd", "a/../../b"} {
		if _, err := b.Put(context.Background(), key, strings.NewReader("x"), ""); !errors.Is(err, objectstore.ErrInvalidKey) {
			t.Errorf("Put(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestKeyFromURL(t *testing.T) {
	b := newBucket(t)
	key, ok := b.KeyFromURL(b.URL("interviews/p/iv 1.wav"))
	if !ok || key != "interviews/p/iv 1.wav" {
		t.Fatalf("KeyFromURL = %q, %v", key, ok)
	}
	if _, ok := b.KeyFromURL("https://elsewhere.test/x.wav"); ok {
		t.Fatal("foreign URL accepted")
	}
}

func TestHandlerServesObjects(t *testing.T) {
	b := newBucket(t)
	if _, err := b.Put(context.Background(), "a/b.txt", strings.NewReader("hello"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.StripPrefix("/media", b.Handler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/media/a/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
}

func TestProbe(t *testing.T) {
	if err := newBucket(t).Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestPutHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newBucket(t).Put(ctx, "x.bin", strings.NewReader("data"), ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
