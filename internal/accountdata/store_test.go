package accountdata

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
)

func TestGetPrefersOverlay(t *testing.T) {
	existing := map[string]*event.Event{
		"m.test": {Content: event.Content{Raw: map[string]any{"v": "server"}}},
		"m.raw":  {Content: event.Content{VeryRaw: json.RawMessage(`{"v":"raw"}`)}},
	}
	s := New(existing, nil)
	defer s.Close()

	t.Run("snapshot", func(t *testing.T) {
		if got := s.Get("m.test")["v"]; got != "server" {
			t.Errorf("Get = %v, want server", got)
		}
		if got := s.Get("m.raw")["v"]; got != "raw" {
			t.Errorf("Get from VeryRaw = %v, want raw", got)
		}
		if got := s.Get("m.absent"); got != nil {
			t.Errorf("Get absent = %v, want nil", got)
		}
	})

	t.Run("overlay", func(t *testing.T) {
		if err := s.Set("m.test", map[string]any{"v": "local"}).Wait(context.Background()); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := s.GetFromServer(context.Background(), "m.test")
		if err != nil {
			t.Fatalf("GetFromServer: %v", err)
		}
		if got["v"] != "local" {
			t.Errorf("GetFromServer = %v, want local", got["v"])
		}
		if existing["m.test"].Content.Raw["v"] != "server" {
			t.Error("snapshot was modified")
		}
	})
}

func TestSetNotifiesSubscribers(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var (
		mu   sync.Mutex
		seen []Notification
	)
	unsubscribe := s.Subscribe(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n)
	})

	ctx := context.Background()
	first := s.Set("m.a", map[string]any{"n": 1})
	if err := s.Set("m.a", map[string]any{"n": 2}).Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := first.Wait(ctx); err != nil {
		t.Fatalf("Wait on delivered write: %v", err)
	}

	mu.Lock()
	if len(seen) != 2 {
		mu.Unlock()
		t.Fatalf("got %d notifications, want 2", len(seen))
	}
	if seen[0].Previous != nil {
		t.Errorf("first Previous = %v, want nil", seen[0].Previous)
	}
	if seen[1].Previous["n"] != 1 {
		t.Errorf("second Previous = %v, want n=1", seen[1].Previous)
	}
	if seen[1].Event.Type.Type != "m.a" || seen[1].Event.Content.Raw["n"] != 2 {
		t.Errorf("unexpected event %+v", seen[1].Event)
	}
	if seen[1].Event.Type.Class != event.AccountDataEventType {
		t.Errorf("event class = %v, want account data", seen[1].Event.Type.Class)
	}
	mu.Unlock()

	unsubscribe()
	if err := s.Set("m.b", map[string]any{}).Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("unsubscribed listener still notified")
	}
}

func TestSubscribeAfterSetObservesNotification(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	w := s.Set("m.secret_storage.default_key", map[string]any{"key": "k1"})

	got := make(chan string, 1)
	s.Subscribe(func(n Notification) {
		key, _ := n.Event.Content.Raw["key"].(string)
		got <- key
	})

	select {
	case key := <-got:
		t.Fatalf("notification %q delivered before Wait", key)
	case <-time.After(20 * time.Millisecond):
	}

	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	select {
	case key := <-got:
		if key != "k1" {
			t.Errorf("observed key %q, want k1", key)
		}
	default:
		t.Fatal("Wait returned before the listener ran")
	}
}

func TestListenerMayReenterStore(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	read := make(chan map[string]any, 1)
	nested := make(chan *Write, 1)
	var (
		mu   sync.Mutex
		seen []string
	)
	s.Subscribe(func(n Notification) {
		mu.Lock()
		seen = append(seen, n.Event.Type.Type)
		mu.Unlock()
		if n.Event.Type.Type != "m.a" {
			return
		}
		read <- s.Get("m.a")
		nested <- s.Set("m.b", map[string]any{"from": "listener"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Set("m.a", map[string]any{"ok": true}).Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if content := <-read; content["ok"] != true {
		t.Errorf("listener read %v", content)
	}

	if err := (<-nested).Wait(ctx); err != nil {
		t.Fatalf("Wait on write made by listener: %v", err)
	}
	if s.Get("m.b")["from"] != "listener" {
		t.Errorf("nested write not stored: %v", s.Get("m.b"))
	}

	// Dispatch keeps running after a nested write.
	if err := s.Set("m.c", map[string]any{}).Wait(ctx); err != nil {
		t.Fatalf("Wait after nested write: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if want := []string{"m.a", "m.b", "m.c"}; !slices.Equal(seen, want) {
		t.Errorf("notifications = %v, want %v", seen, want)
	}
}

func TestContentIsCopied(t *testing.T) {
	s := New(map[string]*event.Event{
		"m.server": {Content: event.Content{Raw: map[string]any{"v": "server"}}},
	}, nil)
	defer s.Close()

	var delivered map[string]any
	s.Subscribe(func(n Notification) { delivered = n.Event.Content.Raw })

	content := map[string]any{"nested": map[string]any{"v": "staged"}}
	if err := s.Set("m.a", content).Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	content["nested"].(map[string]any)["v"] = "caller"
	if got := s.Get("m.a")["nested"].(map[string]any)["v"]; got != "staged" {
		t.Errorf("caller mutation reached the overlay: %v", got)
	}

	s.Get("m.a")["nested"].(map[string]any)["v"] = "reader"
	s.Get("m.server")["v"] = "reader"
	delivered["nested"].(map[string]any)["v"] = "listener"
	if got := s.Get("m.a")["nested"].(map[string]any)["v"]; got != "staged" {
		t.Errorf("overlay value shared: %v", got)
	}
	if got := s.Get("m.server")["v"]; got != "server" {
		t.Errorf("snapshot value shared: %v", got)
	}
}

func TestListenerPanicDoesNotStopDispatch(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	s.Subscribe(func(Notification) { panic("boom") })
	for i := 0; i < 2; i++ {
		if err := s.Set("m.p", map[string]any{}).Wait(context.Background()); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
}

func TestEntriesKeepFirstInsertionOrder(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	for _, step := range []struct {
		typ string
		val int
	}{{"x", 1}, {"y", 2}, {"x", 3}} {
		s.Set(step.typ, map[string]any{"v": step.val})
	}

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != "x" || entries[0].Content["v"] != 3 {
		t.Errorf("entries[0] = %+v, want x/3", entries[0])
	}
	if entries[1].Type != "y" || entries[1].Content["v"] != 2 {
		t.Errorf("entries[1] = %+v, want y/2", entries[1])
	}

	entries[0].Content["v"] = 99
	if s.Get("x")["v"] != 3 {
		t.Error("Entries returned shared content")
	}
}

func TestSetAfterClose(t *testing.T) {
	s := New(nil, nil)
	s.Close()
	s.Close()

	if err := s.Set("m.closed", map[string]any{}).Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}
	if s.Get("m.closed") != nil {
		t.Error("write stored after Close")
	}
}

func TestCloneContentIsDeep(t *testing.T) {
	src := map[string]any{
		"nested": map[string]any{"a": "b"},
		"list":   []any{map[string]any{"c": "d"}},
	}
	dst := CloneContent(src)
	dst["nested"].(map[string]any)["a"] = "changed"
	dst["list"].([]any)[0].(map[string]any)["c"] = "changed"

	if src["nested"].(map[string]any)["a"] != "b" {
		t.Error("nested map shared")
	}
	if src["list"].([]any)[0].(map[string]any)["c"] != "d" {
		t.Error("nested slice shared")
	}
}
