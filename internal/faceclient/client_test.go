package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"attendguard/internal/face"
)

func TestScore_PostsReferencesToCompare(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/compare" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(CompareResult{Similarity: 0.73, Match: true, Threshold: 0.7})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", false)
	score, err := c.Score(context.Background(), face.Input{CaptureRef: "cap.jpg"}, face.Template{Reference: "tpl.jpg"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 0.73 {
		t.Fatalf("score=%v", score)
	}
	if got["image_url_1"] != "cap.jpg" || got["image_url_2"] != "tpl.jpg" {
		t.Fatalf("payload=%v", got)
	}
}

func TestScore_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := New(srv.URL, false).Score(context.Background(), face.Input{CaptureRef: "a"}, face.Template{Reference: "b"}); err == nil {
		t.Fatalf("expected error on 503")
	}
}

func TestScore_Deadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := New(srv.URL, false).Score(ctx, face.Input{CaptureRef: "a"}, face.Template{Reference: "b"}); err == nil {
		t.Fatalf("expected error on deadline")
	}
}

func TestSkipMode(t *testing.T) {
	c := New("http://unused", true)
	score, err := c.Score(context.Background(), face.Input{}, face.Template{})
	if err != nil || score != 0.85 {
		t.Fatalf("skip score=%v err=%v", score, err)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
