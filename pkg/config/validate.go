package config

import (
	"os"
	"strings"

	"github.com/juju/errors"
)

// ValidateConfig sets defaults on the effective config and fails fast on
// values the server cannot start with.
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return errors.New("effective config is nil")
	}
	if p := eff.DBPath; p == "" {
		return errors.New("database path is empty: set --db flag, PULSESPACE_DB_PATH env, or server.db_path in config")
	}

	// TLS cert/key presence check if one is set
	cert := cfg.Server.TLS.CertFile
	key := cfg.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return errors.New("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return errors.Annotate(err, "tls cert file not accessible")
		}
		if _, err := os.Stat(key); err != nil {
			return errors.Annotate(err, "tls key file not accessible")
		}
	}

	if strings.TrimSpace(cfg.Security.JWT.Secret) == "" {
		return errors.New("security.jwt.secret is empty: set it in config or PULSESPACE_JWT_SECRET")
	}
	if len(cfg.Security.JWT.Secret) < 16 {
		return errors.New("security.jwt.secret must be at least 16 bytes")
	}

	return errors.Trace(cfg.ApplyDefaults())
}
