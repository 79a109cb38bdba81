package imagestore

import (
	"errors"
	"sync"
	"testing"
)

func TestSessionRegistry_RegisterAndConflict(t *testing.T) {
	r := NewSessionRegistry()
	if err := r.Register("client-1", "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register("client-2", "alice"); !errors.Is(err, ErrUsernameInUse) {
		t.Fatalf("err = %v, want ErrUsernameInUse", err)
	}
}

func TestSessionRegistry_UnregisterFreesName(t *testing.T) {
	r := NewSessionRegistry()
	_ = r.Register("client-1", "alice")
	r.Unregister("alice")
	if !r.Available("alice") {
		t.Fatal("expected the name to be free after unregistering")
	}
	if err := r.Register("client-2", "alice"); err != nil {
		t.Fatalf("unexpected error re-registering a freed name: %v", err)
	}
}

func TestSessionRegistry_UnregisterUnknownIsNotAnError(t *testing.T) {
	r := NewSessionRegistry()
	r.Unregister("nobody")
}

func TestSessionRegistry_ConcurrentRegisterExactlyOneSucceeds(t *testing.T) {
	r := NewSessionRegistry()
	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- r.Register("client", "contested")
		}(i)
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("successful registrations = %d, want exactly 1", successes)
	}
}
