//go:build !integration

package i18n

import (
	"testing"
	"testing/fstest"
)

func TestTranslator(t *testing.T) {
	translator, err := newTranslatorFromBytes([]byte("greeting: hello\nwelcome_user: hello %s\nsilent: \"\""))
	if err != nil {
		t.Fatalf("newTranslatorFromBytes failed: %v", err)
	}

	t.Run("should translate a simple key", func(t *testing.T) {
		if got := translator.T("greeting"); got != "hello" {
			t.Errorf("wanted 'hello', got '%s'", got)
		}
	})

	t.Run("should return key if not found", func(t *testing.T) {
		if got := translator.T("nonexistent_key"); got != "nonexistent_key" {
			t.Errorf("wanted 'nonexistent_key', got '%s'", got)
		}
		if _, ok := translator.Lookup("nonexistent_key"); ok {
			t.Error("Lookup reported a missing key as present")
		}
	})

	t.Run("should format arguments correctly", func(t *testing.T) {
		if got := translator.T("welcome_user", "Ali"); got != "hello Ali" {
			t.Errorf("wanted 'hello Ali', got '%s'", got)
		}
	})

	t.Run("empty message is present", func(t *testing.T) {
		got, ok := translator.Lookup("silent")
		if !ok || got != "" {
			t.Errorf("wanted present empty message, got %q ok=%v", got, ok)
		}
	})
}

func TestNewTranslator(t *testing.T) {
	fsys := fstest.MapFS{"locales/de.yaml": {Data: []byte("greeting: hallo")}}

	tr, err := NewTranslator(fsys, "de")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Language() != "de" || tr.T("greeting") != "hallo" {
		t.Errorf("unexpected catalog %q: %q", tr.Language(), tr.T("greeting"))
	}
	if _, err := NewTranslator(fsys, "fr"); err == nil {
		t.Error("expected error for missing language")
	}
}

func TestEmbeddedCatalog(t *testing.T) {
	tr := MustDefault()
	for _, key := range []string{
		"purchase.completed", "purchase.refunded", "purchase.failed",
		"subscription.created", "subscription.tier_changed", "subscription.cancel_scheduled",
		"subscription.reactivated", "subscription.cancelled", "subscription.expired",
		"subscription.payment_problem", "subscription.payment_recovered", "subscription.updated",
	} {
		if _, ok := tr.Lookup(key); !ok {
			t.Errorf("embedded catalog lacks %s", key)
		}
	}
}
