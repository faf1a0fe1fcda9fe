package client

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/mseverin/fetchkit/internal/testutil"
)

func TestGetJSON(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/items", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"items":[1,2,3]}`,
	})

	c := newTestClient(t, origin, Config{})

	res, err := c.GetJSON(context.Background(), "/items", nil)
	if err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}

	type payload struct {
		Items []int `json:"items"`
	}
	got, err := Decode[payload](res)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(got.Items) != 3 {
		t.Errorf("Items = %v", got.Items)
	}
	if res.FromCache {
		t.Error("FromCache = true for a direct fetch")
	}
}

func TestJSON_InjectsAcceptHeader(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	c := newTestClient(t, origin, Config{})

	if _, err := c.GetJSON(context.Background(), "/data", nil); err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if got := origin.LastRequestHeader.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}

	origin.Reset()
	if _, err := c.GetJSON(context.Background(), "/data", &RequestOptions{SkipAcceptHeader: true}); err != nil {
		t.Fatalf("GetJSON() error: %v", err)
	}
	if got := origin.LastRequestHeader.Get("Accept"); got != "" {
		t.Errorf("Accept = %q despite SkipAcceptHeader", got)
	}
}

func TestJSON_ContentTypeValidation(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/html", testutil.MockResponse{
		StatusCode: 200,
		Body:       "<html></html>",
		Headers:    map[string]string{"Content-Type": "text/html"},
	})

	c := newTestClient(t, origin, Config{})

	_, err := c.GetJSON(context.Background(), "/html", nil)
	var ctErr *ContentTypeError
	if !errors.As(err, &ctErr) {
		t.Fatalf("GetJSON() error = %v, want ContentTypeError", err)
	}

	// Validation can be skipped.
	res, err := c.GetJSON(context.Background(), "/html", &RequestOptions{SkipContentTypeValidation: true})
	if err != nil {
		t.Fatalf("GetJSON() with skip error: %v", err)
	}
	if string(res.Value) != "<html></html>" {
		t.Errorf("Value = %s", res.Value)
	}
}

func TestJSON_AcceptsJSONSuffixTypes(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/problem", testutil.MockResponse{
		StatusCode: 200,
		Body:       `{"type":"ok"}`,
		Headers:    map[string]string{"Content-Type": "application/problem+json; charset=utf-8"},
	})

	c := newTestClient(t, origin, Config{})
	if _, err := c.GetJSON(context.Background(), "/problem", nil); err != nil {
		t.Errorf("GetJSON() error: %v", err)
	}
}

func TestJSON_ErrorStatus(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/teapot", testutil.MockResponse{
		StatusCode: 418,
		Body:       `{"error":"teapot"}`,
	})

	c := newTestClient(t, origin, Config{})

	_, err := c.GetJSON(context.Background(), "/teapot", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 418 {
		t.Fatalf("GetJSON() error = %v, want HTTPError 418", err)
	}

	res, err := c.GetJSON(context.Background(), "/teapot", &RequestOptions{SkipFailOnErrorCode: true})
	if err != nil {
		t.Fatalf("GetJSON() with skip error: %v", err)
	}
	if res.Status != 418 {
		t.Errorf("Status = %d", res.Status)
	}
	if string(res.Value) != `{"error":"teapot"}` {
		t.Errorf("Value = %s", res.Value)
	}
}

func TestJSON_MethodWithBody(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetHandler("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"created":true}`))
	})

	c := newTestClient(t, origin, Config{})

	res, err := c.JSON(context.Background(), http.MethodPost, "/echo", nil, nil)
	if err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	if res.Status != http.StatusCreated {
		t.Errorf("Status = %d", res.Status)
	}
}
