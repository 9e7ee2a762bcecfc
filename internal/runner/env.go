package runner

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

const tokenVar = "CLAUDE_CODE_OAUTH_TOKEN"

// loadOAuthToken reads CLAUDE_CODE_OAUTH_TOKEN from the environment first,
// then falls back to ~/.agentgate/.env.
func loadOAuthToken() string {
	if v := os.Getenv(tokenVar); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return readEnvFileVar(filepath.Join(home, ".agentgate", ".env"), tokenVar)
}

// readEnvFileVar returns key's value from a .env file. Both "KEY=VALUE" and
// "export KEY=VALUE" lines are accepted; surrounding quotes are stripped.
func readEnvFileVar(path, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		name, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(name) != key {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		return value
	}
	return ""
}
