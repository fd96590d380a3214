package callclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calls", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"callId":"call-123"}`)
	})
	mux.HandleFunc("POST /calls/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "call-123":
		case "busy":
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"error":"a turn is already in progress"}`)
			return
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"call not found"}`)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"type":"metadata","transcript":"hello","expert":{"name":"Dr. Chen"}}`,
			`{"type":"text_delta","delta":"Hi."}`,
			`{"type":"complete","text":"Hi.","processingTimeMs":10}`,
			`{"type":"done"}`,
		} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	})
	return httptest.NewServer(mux)
}

func TestClient_CreateCall(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	client := New(srv.URL)
	callID, err := client.CreateCall(context.Background())
	if err != nil {
		t.Fatalf("CreateCall() failed: %v", err)
	}
	if callID != "call-123" {
		t.Errorf("callID = %s", callID)
	}
}

func TestClient_SendTurn(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	client := New(srv.URL)
	c := &collector{}
	if err := client.SendTurn(context.Background(), "call-123", "hello", c.handlers()); err != nil {
		t.Fatalf("SendTurn() failed: %v", err)
	}

	if c.transcript != "hello" {
		t.Errorf("transcript = %q", c.transcript)
	}
	if c.done != 1 {
		t.Errorf("done fired %d times", c.done)
	}
}

func TestClient_SendTurnAudio(t *testing.T) {
	received := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calls/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("audio")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file.Close()
		received <- header.Filename
		fmt.Fprintln(w, `{"type":"done"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL)
	err := client.SendTurnAudio(context.Background(), "call-123", strings.NewReader("pcm-bytes"), "utterance.wav", Handlers{})
	if err != nil {
		t.Fatalf("SendTurnAudio() failed: %v", err)
	}
	if got := <-received; got != "utterance.wav" {
		t.Errorf("Uploaded filename = %s", got)
	}
}

func TestClient_TurnInProgress(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	client := New(srv.URL)
	err := client.SendTurn(context.Background(), "busy", "hello", Handlers{})
	if !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("SendTurn(busy) = %v, want ErrTurnInProgress", err)
	}
}

func TestClient_CallNotFound(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	client := New(srv.URL)
	err := client.SendTurn(context.Background(), "nope", "hello", Handlers{})
	if !errors.Is(err, ErrCallNotFound) {
		t.Errorf("SendTurn(unknown) = %v, want ErrCallNotFound", err)
	}
}

func TestClient_CancelledTurnIsNotAnError(t *testing.T) {
	blocker := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calls/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"metadata","transcript":"hi","expert":{"name":"A"}}`)
		w.(http.Flusher).Flush()
		<-blocker
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(blocker)

	client := New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	gotMeta := make(chan struct{})
	handlers := Handlers{
		OnMetadata: func(string, Expert) { close(gotMeta) },
	}

	done := make(chan error, 1)
	go func() {
		done <- client.SendTurn(ctx, "call-123", "hello", handlers)
	}()

	// Wait for the first event, then abort the turn.
	select {
	case <-gotMeta:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the first event")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Cancelled SendTurn() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancelled SendTurn never returned")
	}
}
