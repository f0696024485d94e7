// Package identity loads the per-device provisioning produced by the one-time
// cloud key-acquisition step. The acquisition tool writes a shell-sourceable
// env file (KEY/DUID/NAME lines); this package reads it once at startup and
// exposes the values as an immutable DeviceIdentity shared by every session.
package identity

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Env variable / file key names, matching the acquisition tool's output.
const (
	EnvKey  = "ROBOROCK_KEY"
	EnvDUID = "ROBOROCK_DUID"
	EnvName = "ROBOROCK_NAME"
)

// ErrNotProvisioned means the device key is absent or empty. This is fatal
// at startup: without the key no session frame can be decrypted, so binding
// listeners would only produce a stream of crypto teardowns.
var ErrNotProvisioned = errors.New("identity: device key not provisioned")

// DeviceIdentity holds the pre-shared device secret and identifiers.
// Immutable after Load; safe to share read-only across sessions.
type DeviceIdentity struct {
	LocalKey string
	DUID     string
	Name     string
}

// split out for testing.
var getenv = os.Getenv

// Load reads the identity from the env file at path (if it exists) with
// process environment variables taking precedence. An empty device key after
// both sources yields ErrNotProvisioned.
func Load(path string) (DeviceIdentity, error) {
	var id DeviceIdentity

	if path != "" {
		fromFile, err := parseEnvFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return DeviceIdentity{}, fmt.Errorf("read identity file %s: %w", path, err)
		}
		id = fromFile
	}

	if v := strings.TrimSpace(getenv(EnvKey)); v != "" {
		id.LocalKey = v
	}
	if v := strings.TrimSpace(getenv(EnvDUID)); v != "" {
		id.DUID = v
	}
	if v := strings.TrimSpace(getenv(EnvName)); v != "" {
		id.Name = v
	}

	if id.LocalKey == "" {
		return DeviceIdentity{}, ErrNotProvisioned
	}
	return id, nil
}

// parseEnvFile reads KEY='value' lines. Quoting is optional; comments and
// blank lines are skipped.
func parseEnvFile(path string) (DeviceIdentity, error) {
	f, err := os.Open(path)
	if err != nil {
		return DeviceIdentity{}, err
	}
	defer f.Close()

	var id DeviceIdentity
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `'"`)
		switch strings.TrimSpace(key) {
		case EnvKey:
			id.LocalKey = val
		case EnvDUID:
			id.DUID = val
		case EnvName:
			id.Name = val
		}
	}
	if err := sc.Err(); err != nil {
		return DeviceIdentity{}, err
	}
	return id, nil
}
