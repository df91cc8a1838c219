package cloudinary

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSign(t *testing.T) {
	c := New("demo", "key", "secret", "")
	got := c.sign(map[string]string{"timestamp": "100", "api_key": "key", "folder": "faces"})
	want := fmt.Sprintf("%x", sha1.Sum([]byte("folder=faces&timestamp=100secret")))
	if got != want {
		t.Fatalf("signature %s, want %s", got, want)
	}
}

func TestUploadBase64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/demo/image/upload" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("file") == "" || r.FormValue("signature") == "" || r.FormValue("timestamp") != "1700000000" {
			http.Error(w, "missing fields", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(UploadResult{PublicID: "faces/abc", SecureURL: "https://cdn/abc.jpg"})
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "faces")
	c.BaseURL = srv.URL
	c.Now = func() time.Time { return time.Unix(1700000000, 0) }

	res, err := c.UploadBase64(context.Background(), "data:image/jpeg;base64,AAAA")
	if err != nil {
		t.Fatal(err)
	}
	if res.SecureURL != "https://cdn/abc.jpg" {
		t.Fatalf("result %+v", res)
	}
}

func TestUploadBytes_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	if _, err := c.UploadBytes(context.Background(), []byte{0xff, 0xd8}, "face.jpg"); err == nil {
		t.Fatal("expected error")
	}
}
