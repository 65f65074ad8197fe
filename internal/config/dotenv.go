package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the first .env file found in the working directory or up
// to two parents. It returns the loaded path, or "" when none was found and
// the process environment is used as is.
func LoadDotEnv() string {
	candidates := []string{".env", filepath.Join("..", "..", ".env")}
	if workDir, err := os.Getwd(); err == nil {
		parent := filepath.Dir(workDir)
		candidates = append(candidates,
			filepath.Join(workDir, ".env"),
			filepath.Join(parent, ".env"),
			filepath.Join(filepath.Dir(parent), ".env"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			abs, _ := filepath.Abs(path)
			return abs
		}
	}
	return ""
}
