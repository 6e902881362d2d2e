package rfc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_Refresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rfc.properties")
	os.WriteFile(path, []byte(
		"# managed by the rfc agent\n"+
			"Throttle.Enable=true\n"+
			"Throttle.TopSpeed = 128000\n"+
			"broken-line-without-equals\n"), 0644)

	s := NewFileStore(path)
	if err := s.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if v, ok := s.Get(KeyThrottleEnable); !ok || v != "true" {
		t.Fatalf("Throttle.Enable = %q/%v", v, ok)
	}
	if v, ok := s.Get(KeyThrottleTop); !ok || v != "128000" {
		t.Fatalf("Throttle.TopSpeed = %q/%v", v, ok)
	}
	if _, ok := s.Get("broken-line-without-equals"); ok {
		t.Fatal("broken line should be skipped")
	}
}

func TestFileStore_FailedRefreshKeepsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rfc.properties")
	os.WriteFile(path, []byte("MTLS.Enable=true\n"), 0644)

	s := NewFileStore(path)
	if err := s.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	os.Remove(path)
	if err := s.Refresh(); err == nil {
		t.Fatal("refresh of a missing file should fail")
	}
	if v, ok := s.Get(KeyMTLS); !ok || v != "true" {
		t.Fatal("previous snapshot must survive a failed refresh")
	}
}
