package shortcut

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetStoryAndAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Shortcut-Token") != "secret" {
			t.Errorf("missing token header")
		}
		if r.URL.Path != "/stories/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Story{ID: 42, Name: "fix login", Labels: []Label{{Name: "enhance"}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	story, err := c.GetStory(context.Background(), "42")
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if story.ID != 42 || len(story.Labels) != 1 {
		t.Fatalf("unexpected story: %+v", story)
	}
}

func TestUpdateStoryMergesLabels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(Story{ID: 7, Labels: []Label{{Name: "enhance"}, {Name: "backend"}}})
		case http.MethodPut:
			var update struct {
				Labels []Label `json:"labels"`
			}
			_ = json.NewDecoder(r.Body).Decode(&update)
			names := map[string]bool{}
			for _, l := range update.Labels {
				names[l.Name] = true
			}
			if names["enhance"] || !names["enhanced"] || !names["backend"] {
				t.Errorf("label merge wrong: %+v", update.Labels)
			}
			_ = json.NewEncoder(w).Encode(Story{ID: 7})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.UpdateStory(context.Background(), "7", StoryUpdate{
		LabelAdds:   []string{"enhanced"},
		LabelRemove: []string{"enhance"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestAPIErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.GetStory(context.Background(), "1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if !apiErr.Transient() {
		t.Fatalf("429 should be transient")
	}

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such story", http.StatusNotFound)
	}))
	defer srv2.Close()
	c2 := NewClient(srv2.URL, "tok")
	_, err = c2.GetStory(context.Background(), "1")
	if !errors.As(err, &apiErr) || apiErr.Transient() {
		t.Fatalf("404 should be permanent, got %v", err)
	}
}
