package systemd

import (
	"context"
	"testing"
	"time"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("ready sent=%v err=%v", sent, err)
	}
	if WatchdogInterval() != 0 {
		t.Fatalf("watchdog enabled without WATCHDOG_USEC")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := Watchdog(ctx, nil); err != nil {
		t.Fatalf("watchdog: %v", err)
	}
}
