// These tests cover the platform-independent surface; opening a real
// socket needs a (v)can interface and is exercised by the daemon.

package canbus

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interface != "can0" {
		t.Errorf("Interface = %q, want can0", cfg.Interface)
	}
	if cfg.ReadTimeout != 1*time.Second {
		t.Errorf("ReadTimeout = %v, want 1s", cfg.ReadTimeout)
	}
}

func TestErrorsDistinct(t *testing.T) {
	errs := []error{ErrNotConnected, ErrClosed, ErrTimeout, ErrFrameTooBig}
	seen := map[string]bool{}
	for _, err := range errs {
		if err == nil || err.Error() == "" {
			t.Fatal("nil or empty transport error")
		}
		if seen[err.Error()] {
			t.Errorf("duplicate error message %q", err.Error())
		}
		seen[err.Error()] = true
	}
}
