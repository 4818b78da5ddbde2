package event

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/fetch"
)

func newTestDispatcher() *Dispatcher {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewDispatcher(logger)
}

func TestDispatchInstallWaitsForExtensions(t *testing.T) {
	d := newTestDispatcher()
	var done atomic.Bool
	d.OnInstall(func(ev *ExtendableEvent) {
		if ev.Kind() != KindInstall {
			t.Errorf("unexpected kind %s", ev.Kind())
		}
		ev.WaitUntil(func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			done.Store(true)
			return nil
		})
	})

	if err := d.DispatchInstall(context.Background()); err != nil {
		t.Fatalf("dispatch install: %v", err)
	}
	if !done.Load() {
		t.Fatalf("dispatch returned before WaitUntil finished")
	}
}

func TestDispatchExtendableFailsOnFirstError(t *testing.T) {
	d := newTestDispatcher()
	boom := errors.New("boom")
	var cancelled atomic.Bool
	d.OnActivate(func(ev *ExtendableEvent) {
		ev.WaitUntil(func(context.Context) error { return boom })
		ev.WaitUntil(func(ctx context.Context) error {
			<-ctx.Done()
			cancelled.Store(true)
			return nil
		})
	})

	err := d.DispatchActivate(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !cancelled.Load() {
		t.Fatalf("sibling extension should observe cancellation")
	}
}

func TestWaitUntilAfterSettle(t *testing.T) {
	d := newTestDispatcher()
	var captured *ExtendableEvent
	d.OnInstall(func(ev *ExtendableEvent) { captured = ev })
	if err := d.DispatchInstall(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := captured.WaitUntil(func(context.Context) error { return nil }); !errors.Is(err, ErrSettled) {
		t.Fatalf("expected ErrSettled, got %v", err)
	}
}

func TestListenerPanicFailsInstall(t *testing.T) {
	d := newTestDispatcher()
	d.OnInstall(func(*ExtendableEvent) { panic("bad script") })
	if err := d.DispatchInstall(context.Background()); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestDispatchFetchFirstResponderWins(t *testing.T) {
	d := newTestDispatcher()
	var secondCalled bool
	d.OnFetch(func(ev *FetchEvent) {
		if err := ev.RespondWith(func(context.Context) (*fetch.Response, error) {
			return fetch.NewResponse(http.StatusOK, nil, []byte("first")), nil
		}); err != nil {
			t.Errorf("respond: %v", err)
		}
		if err := ev.RespondWith(func(context.Context) (*fetch.Response, error) {
			return nil, nil
		}); !errors.Is(err, ErrAlreadyResponded) {
			t.Errorf("expected ErrAlreadyResponded, got %v", err)
		}
	})
	d.OnFetch(func(*FetchEvent) { secondCalled = true })

	req, _ := fetch.NewRequest(http.MethodGet, "https://app.local/", nil)
	resp, err := d.DispatchFetch(context.Background(), "client-1", req)
	if err != nil {
		t.Fatalf("dispatch fetch: %v", err)
	}
	body, _ := resp.ReadBody()
	if string(body) != "first" {
		t.Fatalf("unexpected body %s", body)
	}
	if secondCalled {
		t.Fatalf("listeners after the responder must not run")
	}
	if d.Listeners(KindFetch) != 2 || d.Listeners(KindInstall) != 0 {
		t.Fatalf("unexpected listener counts")
	}
}

func TestDispatchFetchNotHandled(t *testing.T) {
	d := newTestDispatcher()
	var seen string
	d.OnFetch(func(ev *FetchEvent) { seen = ev.ClientID })

	req, _ := fetch.NewRequest(http.MethodGet, "https://app.local/", nil)
	if _, err := d.DispatchFetch(context.Background(), "client-9", req); !errors.Is(err, ErrNotHandled) {
		t.Fatalf("expected ErrNotHandled, got %v", err)
	}
	if seen != "client-9" {
		t.Fatalf("client id not delivered: %q", seen)
	}
}

func TestDispatchFetchPropagatesResponderError(t *testing.T) {
	d := newTestDispatcher()
	offline := errors.New("offline")
	d.OnFetch(func(ev *FetchEvent) {
		ev.RespondWith(func(context.Context) (*fetch.Response, error) { return nil, offline })
	})
	req, _ := fetch.NewRequest(http.MethodGet, "https://app.local/", nil)
	if _, err := d.DispatchFetch(context.Background(), "", req); !errors.Is(err, offline) {
		t.Fatalf("expected offline, got %v", err)
	}
}

func TestDispatchFetchDoesNotAwaitExtensions(t *testing.T) {
	d := newTestDispatcher()
	release := make(chan struct{})
	finished := make(chan struct{})
	d.OnFetch(func(ev *FetchEvent) {
		ev.WaitUntil(func(context.Context) error {
			<-release
			close(finished)
			return nil
		})
		ev.RespondWith(func(context.Context) (*fetch.Response, error) {
			return fetch.NewResponse(http.StatusOK, nil, nil), nil
		})
	})
	req, _ := fetch.NewRequest(http.MethodGet, "https://app.local/", nil)
	if _, err := d.DispatchFetch(context.Background(), "", req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("extension never finished")
	}
}
