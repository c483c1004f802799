package imagehost

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUploadNoClientID(t *testing.T) {
	client := NewImgur(Config{})

	_, err := client.Upload(context.Background(), []byte{0xff, 0xd8}, "public", "https://example.com")
	if !errors.Is(err, ErrNoClientID) {
		t.Errorf("Expected ErrNoClientID, got %v", err)
	}
}

func TestUploadEmptyImage(t *testing.T) {
	client := NewImgur(Config{ClientID: "abc"})

	if _, err := client.Upload(context.Background(), nil, "public", "https://example.com"); err == nil {
		t.Error("Expected error for empty image")
	}
}

func TestUploadMockServer(t *testing.T) {
	image := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/image" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Client-ID abc" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"data":{"error":"Invalid client_id"},"success":false,"status":403}`))
			return
		}

		file, _, err := r.FormFile("image")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		if len(data) != len(image) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("description") != "https://example.com/page" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"aBc123","link":"https://i.imgur.com/aBc123.jpg"},"success":true,"status":200}`))
	}))
	defer server.Close()

	client := NewImgur(Config{ClientID: "abc", BaseURL: server.URL})

	shot, err := client.Upload(context.Background(), image, "public", "https://example.com/page")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if shot.URL != "https://i.imgur.com/aBc123.jpg" {
		t.Errorf("Unexpected link %s", shot.URL)
	}
	if shot.ID != "aBc123" {
		t.Errorf("Unexpected id %s", shot.ID)
	}
	if shot.Visibility != "public" {
		t.Errorf("Unexpected visibility %s", shot.Visibility)
	}

	bad := NewImgur(Config{ClientID: "wrong", BaseURL: server.URL})
	if _, err := bad.Upload(context.Background(), image, "public", "https://example.com/page"); err == nil {
		t.Error("Expected error for rejected client id")
	}
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"server error", http.StatusInternalServerError, `{"data":{"error":"Internal"},"success":false,"status":500}`},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`},
		{"no link", http.StatusOK, `{"data":{"id":"x"},"success":true,"status":200}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer server.Close()

			client := NewImgur(Config{ClientID: "abc", BaseURL: server.URL})
			if _, err := client.Upload(context.Background(), []byte{1}, "public", "https://example.com"); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
