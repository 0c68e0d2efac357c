package strava

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func testTokens() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, testTokens(), nil)
}

func TestGetActivityParsesDetailFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/activities/321" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		fmt.Fprint(w, `{
			"id": 321,
			"name": "Hill Repeats",
			"distance": 9500.5,
			"moving_time": 3200,
			"type": "Run",
			"sport_type": "Run",
			"start_date": "2026-08-18T06:00:00Z",
			"private_note": "left calf tight on rep 4"
		}`)
	})

	activity, raw, err := client.GetActivityRaw(context.Background(), 321)
	if err != nil {
		t.Fatalf("getActivityRaw failed: %v", err)
	}
	if activity.ID != 321 || activity.Name != "Hill Repeats" || activity.Distance != 9500.5 {
		t.Fatalf("unexpected activity: %+v", activity)
	}
	if activity.PrivateNote != "left calf tight on rep 4" {
		t.Fatalf("private note not parsed: %q", activity.PrivateNote)
	}
	if !activity.HasDetail {
		t.Fatal("expected detail flag set on single-activity fetch")
	}
	if len(raw) == 0 {
		t.Fatal("expected raw body returned for archiving")
	}
}

func TestUnauthorizedStatusMapsToTypedError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.GetAthlete(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRateLimitStatusMapsToTypedError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.ListActivities(context.Background(), ListParams{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestServerErrorCarriesStatusCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetActivity(context.Background(), 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", apiErr.StatusCode)
	}
	if apiErr.Endpoint != "/activities/{id}" {
		t.Fatalf("expected stable endpoint label, got %q", apiErr.Endpoint)
	}
}

func TestConnectionFailureMapsToNetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client := NewClient(srv.URL, testTokens(), nil)

	_, err := client.GetAthlete(context.Background())
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
}

func TestNilTokenSourceRefusesCalls(t *testing.T) {
	client := NewClient("http://localhost:1", nil, nil)
	if client.Authenticated() {
		t.Fatal("expected unauthenticated client")
	}

	_, err := client.GetAthlete(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without credentials, got %v", err)
	}
}

func TestListActivitiesSendsEpochWindow(t *testing.T) {
	after := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("after") != fmt.Sprint(after.Unix()) {
			t.Errorf("bad after param %q", q.Get("after"))
		}
		if q.Get("before") != fmt.Sprint(before.Unix()) {
			t.Errorf("bad before param %q", q.Get("before"))
		}
		fmt.Fprint(w, `[{"id": 1, "name": "Easy Run", "type": "Run"}]`)
	})

	activities, err := client.ListActivities(context.Background(), ListParams{After: after, Before: before})
	if err != nil {
		t.Fatalf("listActivities failed: %v", err)
	}
	if len(activities) != 1 || activities[0].ID != 1 {
		t.Fatalf("unexpected result: %+v", activities)
	}
	if activities[0].HasDetail {
		t.Fatal("summary rows must not claim detail")
	}
}

func TestListActivitiesRangePaginatesUntilShortPage(t *testing.T) {
	pagesServed := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		pagesServed++
		page := r.URL.Query().Get("page")

		// Full first page, short second page.
		count := listPageSize
		if page == "2" {
			count = 3
		}
		fmt.Fprint(w, "[")
		for i := 0; i < count; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"id": %s%03d}`, page, i)
		}
		fmt.Fprint(w, "]")
	})

	activities, err := client.ListActivitiesRange(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("listActivitiesRange failed: %v", err)
	}
	if pagesServed != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", pagesServed)
	}
	if len(activities) != listPageSize+3 {
		t.Fatalf("expected %d activities, got %d", listPageSize+3, len(activities))
	}
}
