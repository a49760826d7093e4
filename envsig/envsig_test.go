package envsig

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestManual_Signals(t *testing.T) {
	m := NewManual()
	if m.IsHidden() || !m.IsOnline() {
		t.Fatal("manual env should start visible and online")
	}

	var onlineCalls, unloadCalls int
	m.OnOnline(func() { onlineCalls++ })
	unregister := m.OnUnload(func() { unloadCalls++ })

	m.SetOnline(true)
	if onlineCalls != 0 {
		t.Fatal("OnOnline fired without a transition")
	}
	m.SetOnline(false)
	m.SetOnline(true)
	if onlineCalls != 1 {
		t.Fatalf("OnOnline calls: %d", onlineCalls)
	}

	m.Unload()
	m.Unload()
	if unloadCalls != 1 {
		t.Fatalf("OnUnload calls: %d", unloadCalls)
	}
	unregister()
}

func TestManual_Beacons(t *testing.T) {
	m := NewManual()
	body := []byte(`{"a":1}`)
	if !m.SendBeacon("http://x/save", body) {
		t.Fatal("beacon refused")
	}
	body[0] = 'X'
	if got := m.Beacons(); len(got) != 1 || string(got[0].Body) != `{"a":1}` {
		t.Fatalf("beacons: %+v", got)
	}
	m.RefuseBeacons(true)
	if m.SendBeacon("http://x/save", nil) {
		t.Fatal("beacon should be refused")
	}
}

func TestHooks_Order(t *testing.T) {
	var h hooks
	var got []int
	h.add(func() { got = append(got, 1) })
	remove := h.add(func() { got = append(got, 2) })
	h.add(func() { got = append(got, 3) })
	remove()
	h.fire()
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("got %v", got)
	}
}

func TestProcess_BeaconAndUnload(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- string(b)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewProcess(ctx, WithClient(srv.Client()))
	defer p.Close()

	unloaded := make(chan struct{})
	p.OnUnload(func() { close(unloaded) })

	if !p.SendBeacon(srv.URL+"/api/hex/lock", []byte(`{"action":"release"}`)) {
		t.Fatal("beacon refused")
	}
	if p.SendBeacon("not a url", nil) {
		t.Fatal("invalid beacon url accepted")
	}
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := p.Drain(drainCtx); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if got != `{"action":"release"}` {
			t.Fatalf("beacon body %q", got)
		}
	default:
		t.Fatal("beacon not delivered")
	}

	cancel()
	select {
	case <-unloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("unload not fired on context cancel")
	}
	if !p.IsHidden() {
		t.Fatal("unloaded process should report hidden")
	}
}
