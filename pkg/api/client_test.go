package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psaab/wgguard/pkg/logging"
)

func newTestClient(t *testing.T, env *testEnv, key string) *Client {
	t.Helper()
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)
	return &Client{BaseURL: ts.URL + "/", APIKey: key}
}

func TestClientProfilesAndToggle(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env, "")
	ctx := context.Background()

	profiles, err := c.Profiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 || profiles[0].Name != "office" || profiles[0].State != "disconnected" {
		t.Fatalf("profiles = %+v", profiles)
	}

	env.tunnel.gate = make(chan struct{})
	p, err := c.Toggle(ctx, "office")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != "connecting" {
		t.Errorf("state = %q", p.State)
	}
	_, err = c.Toggle(ctx, "office")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("second toggle err = %v", err)
	}
	close(env.tunnel.gate)
	if err := env.ctrl.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	p, err = c.Profile(ctx, "office")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != "connected" {
		t.Errorf("state after toggle = %q", p.State)
	}

	if _, err := c.Profile(ctx, "nope"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("unknown profile err = %v", err)
	}
}

func TestClientKillSwitchAndLog(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env, "")
	ctx := context.Background()

	p, err := c.SetKillSwitch(ctx, "office", true)
	if err != nil {
		t.Fatal(err)
	}
	if !p.KillSwitch.Active || !strings.HasPrefix(p.KillSwitch.Chain, "WGG-") {
		t.Errorf("killswitch = %+v", p.KillSwitch)
	}

	entries, err := c.Log(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 || entries[0].Action != "killswitch" || !entries[0].OK {
		t.Errorf("log = %+v", entries)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.ProfileCount != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestClientAuth(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	ctx := context.Background()

	_, err := newTestClient(t, env, "wrong").Profiles(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key err = %v", err)
	}
	if _, err := newTestClient(t, env, "s3cret").Profiles(ctx); err != nil {
		t.Errorf("valid key: %v", err)
	}
}

func TestClientFollow(t *testing.T) {
	env := newTestEnv(t)
	c := newTestClient(t, env, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type got struct {
		event string
		entry LogEntry
	}
	events := make(chan got, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Follow(ctx, "office", func(event string, e LogEntry) {
			events <- got{event, e}
		})
	}()

	// Entries appended before the subscription exists are not streamed.
	deadline := time.Now().Add(5 * time.Second)
	for {
		env.log.Append(logging.Entry{Profile: "home", Action: "up", OK: true})
		env.log.Append(logging.Entry{Profile: "office", Action: "down", OK: true, Message: "tunnel down"})
		select {
		case g := <-events:
			if g.event != "log" || g.entry.Profile != "office" || g.entry.Message != "tunnel down" {
				t.Errorf("event = %+v", g)
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Follow returned %v after cancel", err)
			}
			return
		case <-time.After(50 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("no event received")
			}
		}
	}
}
