package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnvFile holds the KEY=value pairs consumed by the worker process at start.
// Invalid lists the 1-based line numbers that systemd would reject.
type EnvFile struct {
	Vars    map[string]string
	Invalid []int
}

// EnvTemplate is written on first provision and never overwritten, so
// operators can edit it freely.
func EnvTemplate(appName string) []byte {
	return []byte(fmt.Sprintf(`# Environment for %s, read by the worker process at start.
# One KEY=value pair per line. Lines starting with # are comments.
#
# APP_ENV=production
# LOG_LEVEL=info
`, appName))
}

// LoadEnvFile parses the environment file at path. A missing file is an
// error because the worker unit requires it.
func LoadEnvFile(path string) (*EnvFile, error) {
	env := &EnvFile{
		Vars: make(map[string]string),
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		// Skip blank lines and comments.
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			env.Invalid = append(env.Invalid, lineNo)
			continue
		}

		key := strings.TrimSpace(line[:idx])
		if !envKeyRe.MatchString(key) {
			env.Invalid = append(env.Invalid, lineNo)
			continue
		}

		env.Vars[key] = unquote(strings.TrimSpace(line[idx+1:]))
	}

	if err := scanner.Err(); err != nil {
		return env, err
	}

	return env, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
