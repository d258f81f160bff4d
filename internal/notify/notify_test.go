package notify

import "testing"

func TestNilLoggerDefaultsToDiscard(t *testing.T) {
	n := New(false, nil)
	if n.logger == nil {
		t.Fatal("nil logger must be replaced, not kept")
	}
	// Disabled notifier: Send is a no-op and must not touch the logger's
	// default output either.
	n.Send("titre", "message")
	n.ConnectivityChanged(true)
}
