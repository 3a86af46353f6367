package config

import "fmt"

const defaultEnvFile = ".env"

// LoadFromEnv reads the process environment. Builds tagged dev first merge
// the file named by TXSCAN_ENV_FILE (default .env); variables already set in
// the environment win.
func LoadFromEnv() (Config, error) {
	path := envFile(FromEnviron())
	if err := loadDotEnv(path); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return Load(FromEnviron())
}

func envFile(source EnvSource) string {
	return stringEnv(source, "TXSCAN_ENV_FILE", defaultEnvFile)
}
