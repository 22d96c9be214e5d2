package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/imlink/internal/testutil/testlog"
)

type sample struct {
	Host    string            `toml:"host" yaml:"host"`
	Port    int               `toml:"port" yaml:"port"`
	Clients map[string]string `toml:"clients" yaml:"clients"`
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDecodeFileFormats(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		file string
		body string
	}{
		{"toml", "c.toml", "host = \"h\"\n[clients]\nalice = \"x\"\n"},
		{"yaml", "c.yaml", "host: h\nclients:\n  alice: x\n"},
		{"yml", "c.yml", "host: h\nclients:\n  alice: x\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out sample
			keys, err := DecodeFile(writeFile(t, tc.file, tc.body), &out)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.Host != "h" || out.Clients["alice"] != "x" {
				t.Fatalf("decoded=%+v", out)
			}
			if !keys.IsDefined("host") || !keys.IsDefined("clients", "alice") {
				t.Fatalf("keys=%v", keys)
			}
			if keys.IsDefined("port") {
				t.Fatalf("port reported defined")
			}
		})
	}
}

func TestDecodeFileErrors(t *testing.T) {
	testlog.Start(t)
	var out sample
	if _, err := DecodeFile(writeFile(t, "c.json", "{}"), &out); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("json err=%v", err)
	}
	if _, err := DecodeFile(writeFile(t, "bad.toml", "host = "), &out); err == nil {
		t.Fatalf("malformed toml decoded")
	}
	if _, err := DecodeFile(filepath.Join(t.TempDir(), "missing.yaml"), &out); err == nil {
		t.Fatalf("missing file decoded")
	}
}

func TestTemplatesDecode(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"client", "server"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("%s template overwritten without force", kind)
		}
		var out map[string]any
		keys, err := DecodeFile(path, &out)
		if err != nil {
			t.Fatalf("decode %s: %v", kind, err)
		}
		if !keys.IsDefined("version") {
			t.Fatalf("%s template missing version", kind)
		}
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}
