package seedsync

import "testing"

func TestSettingsCacheGetSet(t *testing.T) {
	c := newSettingsCache()

	if _, ok := c.get("parallel-transfer-count"); ok {
		t.Fatal("expected no value before any set")
	}

	c.set("parallel-transfer-count", "3")
	v, ok := c.get("parallel-transfer-count")
	if !ok || v != "3" {
		t.Fatalf("get() = (%q, %v), want (3, true)", v, ok)
	}

	c.set("parallel-transfer-count", "5")
	v, ok = c.get("parallel-transfer-count")
	if !ok || v != "5" {
		t.Fatalf("get() after overwrite = (%q, %v), want (5, true)", v, ok)
	}
}

func TestSettingsCachePreservesInsertionOrder(t *testing.T) {
	c := newSettingsCache()
	c.set("net:timeout", "30")
	c.set("parallel-transfer-count", "2")
	c.set("limit-rate", "1000000")
	c.set("net:timeout", "60") // overwritten value, same position

	all := c.all()
	wantKeys := []string{"net:timeout", "parallel-transfer-count", "limit-rate"}
	if len(all) != len(wantKeys) {
		t.Fatalf("got %d settings, want %d", len(all), len(wantKeys))
	}
	for i, want := range wantKeys {
		if all[i].Key != want {
			t.Errorf("position %d: key = %q, want %q", i, all[i].Key, want)
		}
	}
	if all[0].Value != "60" {
		t.Errorf("net:timeout value = %q, want 60", all[0].Value)
	}
}
