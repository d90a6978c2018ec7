package verify

import (
	"testing"
	"time"

	cm "github.com/telamesh/exitd/src/common"
	"github.com/telamesh/exitd/src/registry"
)

func initVerifier(t *testing.T, ttl, cooldown time.Duration) (*Verifier, *InmemSender) {
	sender := NewInmemSender(nil)
	v := NewVerifier(6, ttl, cooldown, sender, cm.NewTestEntry(t))
	return v, sender
}

func TestRequestCode(t *testing.T) {
	v, sender := initVerifier(t, time.Minute, time.Minute)

	c := registry.NewClient("+15555550100")
	if err := v.RequestCode(c); err != nil {
		t.Fatal(err)
	}

	if len(c.Code) != 6 {
		t.Fatalf("code should be 6 digits, got %q", c.Code)
	}
	if c.CodeExpiry.Before(time.Now().UTC()) {
		t.Fatal("code should not be born expired")
	}

	sent, ok := sender.LastCode("+15555550100")
	if !ok {
		t.Fatal("code should have been handed to the sender")
	}
	if sent != c.Code {
		t.Fatalf("sender got %s, record holds %s", sent, c.Code)
	}
}

func TestRequestCodeCooldown(t *testing.T) {
	v, sender := initVerifier(t, time.Minute, time.Minute)

	c := registry.NewClient("+15555550100")
	if err := v.RequestCode(c); err != nil {
		t.Fatal(err)
	}

	err := v.RequestCode(c)
	if !cm.Is(err, cm.TooSoon) {
		t.Fatalf("second request inside cooldown should fail with TooSoon, got %v", err)
	}
	if sender.Count("+15555550100") != 1 {
		t.Fatal("rejected request should not re-send")
	}
}

func TestRequestCodeOverwritesPrevious(t *testing.T) {
	v, _ := initVerifier(t, time.Minute, 0)

	c := registry.NewClient("+15555550100")
	if err := v.RequestCode(c); err != nil {
		t.Fatal(err)
	}
	old := c.Code

	if err := v.RequestCode(c); err != nil {
		t.Fatal(err)
	}

	if err := v.CheckCode(c, old); !cm.Is(err, cm.Mismatch) && old != c.Code {
		t.Fatalf("old code should be invalidated, got %v", err)
	}
}

func TestCheckCode(t *testing.T) {
	v, _ := initVerifier(t, time.Minute, time.Minute)

	c := registry.NewClient("+15555550100")
	if err := v.RequestCode(c); err != nil {
		t.Fatal(err)
	}
	code := c.Code

	if err := v.CheckCode(c, "000000"); !cm.Is(err, cm.Mismatch) && code != "000000" {
		t.Fatalf("wrong code should fail with Mismatch, got %v", err)
	}

	if err := v.CheckCode(c, code); err != nil {
		t.Fatal(err)
	}
	if c.Code != "" {
		t.Fatal("successful check should clear the code")
	}

	// single-use: replay fails with NotFound
	if err := v.CheckCode(c, code); !cm.Is(err, cm.NotFound) {
		t.Fatalf("replay should fail with NotFound, got %v", err)
	}
}

func TestCheckCodeExpiry(t *testing.T) {
	v, _ := initVerifier(t, -time.Second, time.Minute)

	c := registry.NewClient("+15555550100")
	if err := v.RequestCode(c); err != nil {
		t.Fatal(err)
	}

	if err := v.CheckCode(c, c.Code); !cm.Is(err, cm.Expired) {
		t.Fatalf("expired code should fail with Expired, got %v", err)
	}
}

func TestCheckCodeWithoutRequest(t *testing.T) {
	v, _ := initVerifier(t, time.Minute, time.Minute)

	c := registry.NewClient("+15555550100")
	if err := v.CheckCode(c, "123456"); !cm.Is(err, cm.NotFound) {
		t.Fatalf("check without a code should fail with NotFound, got %v", err)
	}
}
