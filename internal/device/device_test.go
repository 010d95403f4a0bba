package device

import (
	"context"
	"testing"
)

func testDeviceRoundTrip(t *testing.T, d Device) {
	t.Helper()
	ctx := context.Background()

	if _, err := d.ReadPage(ctx, 0); err != ErrNoSuchPage {
		t.Fatalf("expected ErrNoSuchPage for unwritten page, got %v", err)
	}

	payload := []byte("hybrid-log-page-bytes")
	if err := d.WritePage(ctx, 3, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, err := d.ReadPage(ctx, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	if err := d.WritePage(ctx, 1, []byte("old")); err != nil {
		t.Fatalf("write old: %v", err)
	}
	if err := d.Truncate(ctx, 2); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := d.ReadPage(ctx, 1); err != ErrNoSuchPage {
		t.Fatalf("expected page 1 truncated away, got err=%v", err)
	}
	if _, err := d.ReadPage(ctx, 3); err != nil {
		t.Fatalf("page 3 should survive truncate below 2: %v", err)
	}
}

func TestMemDevice(t *testing.T) {
	testDeviceRoundTrip(t, NewMemDevice())
}

func TestFileDevice(t *testing.T) {
	d, err := NewFileDevice(t.TempDir())
	if err != nil {
		t.Fatalf("new file device: %v", err)
	}
	defer d.Close()
	testDeviceRoundTrip(t, d)
}
