package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFactoryRejectsUnknownSchemes(t *testing.T) {
	for _, device := range []string{
		"sev:///dev/sev",
		"usb://whatever",
		"no-scheme-at-all",
	} {
		_, err := New(device, zerolog.Nop())
		if !errors.Is(err, ErrNoSuchProvider) {
			t.Fatalf("device %q: err=%v want no such provider", device, err)
		}
	}
}

func TestParseSerialDevice(t *testing.T) {
	p, err := parseSerialDevice("/dev/ttyUSB0:115200:8:n:1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.path != "/dev/ttyUSB0" || p.baud != 115200 || p.dataBits != 8 || p.parity != 'n' || p.stopBits != 1 {
		t.Fatalf("parsed %+v", p)
	}

	p, err = parseSerialDevice("/dev/ttyS3:9600:7:e:2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.baud != 9600 || p.dataBits != 7 || p.parity != 'e' || p.stopBits != 2 {
		t.Fatalf("parsed %+v", p)
	}

	bad := []string{
		"/dev/ttyUSB0:115200:8:n",        // missing stop bits
		"/dev/ttyUSB0:123456:8:n:1",      // baud not in the supported set
		"/dev/ttyUSB0:115200:9:n:1",      // data bits out of range
		"/dev/ttyUSB0:115200:8:x:1",      // parity letter
		"/dev/ttyUSB0:115200:8:n:3",      // stop bits
		":115200:8:n:1",                  // empty path
		"/dev/ttyUSB0:115200:8:n:1:junk", // trailing field
	}
	for _, device := range bad {
		if _, err := parseSerialDevice(device); err == nil {
			t.Fatalf("device %q accepted", device)
		}
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}
