package elog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPostSubmitsMultipartForm(t *testing.T) {
	var got struct {
		cmd, text, author, domain string
		user, pass                string
		attName                   string
		attBytes                  int
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		got.cmd = r.FormValue("cmd")
		got.text = r.FormValue("Text")
		got.author = r.FormValue("Author")
		got.domain = r.FormValue("Domain")
		got.user = r.FormValue("unm")
		got.pass = r.FormValue("upwd")
		if f, hdr, err := r.FormFile("attfile1"); err == nil {
			got.attName = hdr.Filename
			buf := make([]byte, 64)
			n, _ := f.Read(buf)
			got.attBytes = n
			f.Close()
		}
		w.Header().Set("Location", srvURL(r)+"/SF-Photonics-Data/4242")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "sf-photodiag", "robot", "secret", 2*time.Second, nil)
	id, err := c.Post(context.Background(), Entry{
		Message:    "correlation snapshot",
		Attributes: map[string]string{"Domain": "ARAMIS", "System": "Diagnostics"},
		Attachments: []Attachment{
			{Name: "correlation.png", Data: []byte("png-bytes")},
		},
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if id != "4242" {
		t.Errorf("id = %q, want 4242", id)
	}
	if got.cmd != "Submit" {
		t.Errorf("cmd = %q", got.cmd)
	}
	if got.text != "correlation snapshot" {
		t.Errorf("Text = %q", got.text)
	}
	if got.author != "sf-photodiag" {
		t.Errorf("Author = %q", got.author)
	}
	if got.domain != "ARAMIS" {
		t.Errorf("Domain = %q", got.domain)
	}
	if got.user != "robot" || got.pass != "secret" {
		t.Errorf("credentials = %q/%q", got.user, got.pass)
	}
	if got.attName != "correlation.png" || got.attBytes != len("png-bytes") {
		t.Errorf("attachment = %q (%d bytes)", got.attName, got.attBytes)
	}
}

func TestPostAttributeOverridesAuthor(t *testing.T) {
	var author string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		author = r.FormValue("Author")
		w.Header().Set("Location", srvURL(r)+"/1")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "sf-photodiag", "", "", time.Second, nil)
	if _, err := c.Post(context.Background(), Entry{
		Message:    "m",
		Attributes: map[string]string{"Author": "operator"},
	}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if author != "operator" {
		t.Errorf("Author = %q, want operator", author)
	}
}

func TestPostNoRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "sf-photodiag", "", "", time.Second, nil)
	if _, err := c.Post(context.Background(), Entry{Message: "m"}); err == nil {
		t.Fatal("expected error for missing redirect")
	}
}

func TestPostRejectsNonNumericLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", srvURL(r)+"/error")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "sf-photodiag", "", "", time.Second, nil)
	if _, err := c.Post(context.Background(), Entry{Message: "m"}); !errors.Is(err, ErrNoRedirect) {
		t.Fatalf("err = %v, want ErrNoRedirect", err)
	}
}

func TestEntryURL(t *testing.T) {
	c := New("https://elog.example/SF-Photonics-Data/", "a", "", "", time.Second, nil)
	if got := c.EntryURL("99"); got != "https://elog.example/SF-Photonics-Data/99" {
		t.Errorf("EntryURL = %q", got)
	}
}

func srvURL(r *http.Request) string {
	return "http://" + r.Host
}
