package utcp

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utcp.yaml")
	raw := []byte("mtu: 1400\nuser_timeout: 30s\nmax_sndbuf: 262144\n")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MTU != 1400 {
		t.Errorf("mtu = %d, want 1400", cfg.MTU)
	}
	if time.Duration(cfg.UserTimeout) != 30*time.Second {
		t.Errorf("user_timeout = %v, want 30s", time.Duration(cfg.UserTimeout))
	}
	// Unset keys keep their defaults.
	if cfg.SndBuf != defaultSndBufSize {
		t.Errorf("sndbuf = %d, want default %d", cfg.SndBuf, defaultSndBufSize)
	}
	if cfg.MaxSndBuf != 262144 {
		t.Errorf("max_sndbuf = %d, want 262144", cfg.MaxSndBuf)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utcp.yaml")
	if err := os.WriteFile(path, []byte("mtu: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("zero MTU accepted")
	}
	if err := os.WriteFile(path, []byte("user_timeout: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("unparseable duration accepted")
	}
}

func TestMuxConfigDefaults(t *testing.T) {
	m, err := NewMux(MuxConfig{Send: func(m *Mux, pkt []byte) error { return nil }})
	if err != nil {
		t.Fatal(err)
	}
	if m.MTU() != defaultMTU {
		t.Errorf("mtu = %d, want %d", m.MTU(), defaultMTU)
	}
	if m.UserTimeout() != defaultUserTimeout {
		t.Errorf("user timeout = %v, want %v", m.UserTimeout(), defaultUserTimeout)
	}

	if _, err := NewMux(MuxConfig{}); err == nil {
		t.Fatal("mux without send callback accepted")
	}
}

func TestMuxTunables(t *testing.T) {
	m, err := NewMux(MuxConfig{Send: func(m *Mux, pkt []byte) error { return nil }})
	if err != nil {
		t.Fatal(err)
	}
	m.SetMTU(0)
	if m.MTU() != defaultMTU {
		t.Error("zero MTU accepted")
	}
	m.SetMTU(1400)
	if m.MTU() != 1400 || len(m.txbuf) != sizeHeader+1400 {
		t.Error("MTU change did not resize the scratch datagram")
	}
	m.SetUserTimeout(0)
	if m.UserTimeout() != defaultUserTimeout {
		t.Error("non-positive user timeout accepted")
	}
	m.SetUserTimeout(5 * time.Second)
	if m.UserTimeout() != 5*time.Second {
		t.Error("user timeout not stored")
	}
}
