package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{AccountSID: "AC0001", AuthToken: "secret", BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{AccountSID: "AC0001"}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v", err)
	}
}

func TestHangupCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/Accounts/AC0001/Calls/CA0001.json" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC0001" || pass != "secret" {
			t.Errorf("basic auth = %q %q %v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("Status") != "completed" {
			t.Errorf("status = %q", r.PostForm.Get("Status"))
		}
		_, _ = w.Write([]byte(`{"sid":"CA0001","status":"completed"}`))
	})

	call, err := c.HangupCall(context.Background(), "CA0001")
	if err != nil {
		t.Fatalf("HangupCall: %v", err)
	}
	if call.Status != "completed" {
		t.Fatalf("status = %q", call.Status)
	}
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":20404,"message":"The requested resource was not found","status":404}`))
	})

	_, err := c.HangupCall(context.Background(), "CA404")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.Code != 20404 {
		t.Fatalf("code = %d", apiErr.Code)
	}
}

func TestNonJSONError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	if _, err := c.HangupCall(context.Background(), "CA0001"); err == nil {
		t.Fatal("expected error")
	}
}

func TestUpdateCallNothingToUpdate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	if _, err := c.UpdateCall(context.Background(), "CA0001", UpdateCallParams{}); err == nil {
		t.Fatal("expected error")
	}
}
