package main

import (
	"fmt"
	"os"
)

// writeConfigTemplate writes the annotated default config to path.
func writeConfigTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(configTemplate), 0o600)
}

const configTemplate = `# device TCP listener
addr = ":6909"
proxy_protocol = false
read_timeout = "30s"
write_timeout = "5s"
heartbeat_interval = "60s"
keep_alive = "60s"
collaborator_timeout = "5s"
buffer_limit = 8192
trust_invalid_checksum = false

# alert thresholds
alert_coolant_max_c = 105.0
alert_speed_max_kmh = 130.0
alert_voltage_min_v = 11.5

# operator HTTP API
http_addr = ":3000"
cors_origins = ["http://localhost:3000"]
api_token = ""

# persistence: "memory" or "sqlite"
store = "memory"
sqlite_path = "obdgate.db"
memory_history = 100

# [[devices]]
# id = "0000000a0b0c"
# organization = "fleet-1"
`
