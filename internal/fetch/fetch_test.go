package fetch_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/pacrelay/internal/fetch"
)

const pacBody = `function FindProxyForURL(url, host) { return "DIRECT"; }`

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/proxy.pac", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/proxy.pac", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pacBody))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := fetch.New(5 * time.Second)
	body, err := f.Fetch(context.Background(), srv.URL+"/a")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if body != pacBody {
		t.Errorf("body: got %q, want %q", body, pacBody)
	}
}

func TestFetchStatusErrors(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{name: "not found", code: http.StatusNotFound},
		{name: "server error", code: http.StatusInternalServerError},
		{name: "no content", code: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			_, err := fetch.New(5*time.Second).Fetch(context.Background(), srv.URL)
			var se *fetch.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("error: got %v, want *fetch.StatusError", err)
			}
			if se.Code != tt.code {
				t.Errorf("code: got %d, want %d", se.Code, tt.code)
			}
		})
	}
}

func TestFetchRedirectLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path, http.StatusFound)
	}))
	defer srv.Close()

	f := fetch.New(5 * time.Second)
	f.MaxRedirects = 3
	_, err := f.Fetch(context.Background(), srv.URL+"/loop")
	if !errors.Is(err, fetch.ErrTooManyRedirects) {
		t.Fatalf("error: got %v, want ErrTooManyRedirects", err)
	}
}

func TestFetchNetworkError(t *testing.T) {
	// Grab a free port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = fetch.New(2*time.Second).Fetch(context.Background(), "http://"+addr+"/proxy.pac")
	var ne *fetch.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("error: got %v, want *fetch.NetworkError", err)
	}
}

func TestFetchBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	f := fetch.New(5 * time.Second)
	f.MaxBodySize = 16
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for oversized body")
	}
}

func TestFetchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.pac")
	if err := os.WriteFile(path, []byte(pacBody), 0644); err != nil {
		t.Fatal(err)
	}

	f := fetch.New(0)
	for _, loc := range []string{path, "file://" + path} {
		body, err := f.Fetch(context.Background(), loc)
		if err != nil {
			t.Fatalf("fetch %q: %v", loc, err)
		}
		if body != pacBody {
			t.Errorf("fetch %q: got %q", loc, body)
		}
	}

	if _, err := f.Fetch(context.Background(), filepath.Join(dir, "missing.pac")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v, want os.ErrNotExist", err)
	}
}
