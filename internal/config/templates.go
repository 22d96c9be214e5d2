package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "server":
		return serverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `host = "127.0.0.1"
port = 9410
transport = "tcp"
ws_path = "/ws"
version = 100
client_id = "alice"
secret = "change-me"
identify_cmd = 1
connect_timeout = "5s"
max_connect_attempts = 0
`

const serverTemplate = `addr = "127.0.0.1:9410"
http_addr = "127.0.0.1:9411"
version = 100
rate_per_second = 200.0
rate_burst = 50

[clients]
alice = "change-me"
`
