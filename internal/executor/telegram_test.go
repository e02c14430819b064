package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestTelegramClient_sendMessage(t *testing.T) {
	var gotPath string
	var gotBody telegramRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer srv.Close()

	c := NewTelegramClient(srv.URL+"/", srv.Client())
	if err := c.SendMessage(context.Background(), "123:abc", "42", "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.ChatID != "42" || gotBody.Text != "hello" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestTelegramClient_apiError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	c := NewTelegramClient(srv.URL, srv.Client())
	err := c.SendMessage(context.Background(), "secret-token", "1", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("error = %q, want description", err)
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Errorf("error leaks bot token: %q", err)
	}
	if IsOutage(err) {
		t.Errorf("a 400 reply is not an outage: %v", err)
	}
}

func TestTelegramClient_serverErrorIsOutage(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{"ok":false,"description":"try later"}`))
		}))

		c := NewTelegramClient(srv.URL, srv.Client())
		err := c.SendMessage(context.Background(), "t", "1", "x")
		srv.Close()
		if !IsOutage(err) {
			t.Errorf("status %d: IsOutage(%v) = false", status, err)
		}
		if !strings.Contains(err.Error(), "try later") {
			t.Errorf("status %d: error = %q, want description", status, err)
		}
	}
}

func TestTelegramClient_okFalseWith200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	c := NewTelegramClient(srv.URL, srv.Client())
	if err := c.SendMessage(context.Background(), "t", "1", "x"); err == nil {
		t.Fatal("expected error for ok=false")
	}
}

func TestTelegramClient_transportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewTelegramClient(url, nil)
	err := c.SendMessage(context.Background(), "secret-token", "1", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Errorf("error leaks bot token: %q", err)
	}
	if !IsOutage(err) {
		t.Errorf("transport failure should be an outage: %v", err)
	}
}

func TestTelegramClient_propagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "stage")
	defer span.End()

	if err := NewTelegramClient(srv.URL, srv.Client()).SendMessage(ctx, "t", "1", "hi"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if want := span.SpanContext().TraceID().String(); !strings.Contains(traceparent, want) {
		t.Errorf("traceparent = %q, want trace id %s", traceparent, want)
	}
}
