package auth

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTokenStoreReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  abc123\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := NewTokenStore(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if s.Token() != "abc123" {
		t.Errorf("Token() = %q", s.Token())
	}
	if got := s.Header().Get("Authorization"); got != "Token abc123" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestTokenStoreMissingFile(t *testing.T) {
	s, err := NewTokenStore(filepath.Join(t.TempDir(), "absent"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if s.Token() != "" {
		t.Errorf("Token() = %q, want empty", s.Token())
	}
	if len(s.Header()) != 0 {
		t.Errorf("Header() = %v, want empty", s.Header())
	}
}

func TestTokenStoreReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := NewTokenStore(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	changed := make(chan string, 4)
	s.OnChange(func(tok string) { changed <- tok })
	if err := s.Watch(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	// A truncate may be observed before the write lands.
	timeout := time.After(3 * time.Second)
	for got := ""; got != "second"; {
		select {
		case got = <-changed:
		case <-timeout:
			t.Fatalf("no reload to %q, last %q", "second", got)
		}
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.Token() != "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Token() != "" {
		t.Errorf("Token() after remove = %q", s.Token())
	}
}
