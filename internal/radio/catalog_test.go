package radio

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCatalogEmbeddedDefault(t *testing.T) {
	c, err := NewCatalog("", nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	tiers := c.Tiers()
	if len(tiers) == 0 {
		t.Fatal("embedded catalog has no tiers")
	}
	if tiers[0].Name != "gemini" {
		t.Errorf("best tier = %q, want gemini", tiers[0].Name)
	}

	std, ok := c.Tier("standard")
	if !ok {
		t.Fatal("standard tier missing")
	}
	if !std.Supports("sw-KE") {
		t.Errorf("tier with empty language list must serve every language")
	}

	chirp, _ := c.Tier("chirp_hd")
	if chirp.Supports("sw") {
		t.Errorf("chirp_hd claims a language outside its list")
	}
	if !chirp.Supports("en-US") {
		t.Errorf("chirp_hd must match regioned tags by base language")
	}
}

func TestCatalogVoiceBinding(t *testing.T) {
	c, err := NewCatalog("", nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	v, ok := c.Voice("es-ES-Neural2-A")
	if !ok {
		t.Fatal("known voice missing")
	}
	if v.Tier != "neural2" {
		t.Errorf("voice tier = %q, want neural2", v.Tier)
	}
	if _, ok := c.Voice("no-such-voice"); ok {
		t.Errorf("unknown voice resolved")
	}
}

func TestCatalogFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := []byte(`
tiers:
  - name: custom
    provider: google
    engine: google_tts
    model: custom-model
    encoding: pcm16
    languages: [xx]
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := NewCatalog(path, nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if _, ok := c.Tier("gemini"); ok {
		t.Errorf("override did not replace the embedded catalog")
	}
	tier, ok := c.Tier("custom")
	if !ok {
		t.Fatal("override tier missing")
	}
	if !tier.Supports("xx-YY") {
		t.Errorf("override tier language list not honored")
	}
}

func TestCatalogRejectsEmptyOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("voices: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCatalog(path, nil); err == nil {
		t.Fatal("catalog without tiers accepted")
	}
}

func TestCatalogWatchBlocksUntilDone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := []byte(`
tiers:
  - name: custom
    provider: google
    engine: google_tts
    model: custom-model
    encoding: pcm16
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := NewCatalog(path, nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	done := make(chan struct{})
	returned := make(chan error, 1)
	go func() { returned <- c.WatchAndReload(done) }()

	// The watch owns its goroutine for the process lifetime; it must not
	// return while done is open.
	select {
	case err := <-returned:
		t.Fatalf("WatchAndReload returned early: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	close(done)
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("WatchAndReload: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WatchAndReload did not return after done closed")
	}
}
