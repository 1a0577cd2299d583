package config

import "os"

// ExpandEnv expands environment variables in raw YAML bytes using Go's
// standard shell-style ${VAR} / $VAR syntax, so secrets (broker
// credentials, OIDC client secrets, Postgres DSNs) never need to be
// written into the YAML file itself. Missing variables expand to the
// empty string; validation is responsible for catching fields that end
// up empty as a result.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
