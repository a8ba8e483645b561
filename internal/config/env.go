package config

import (
	"fmt"
	"os"
	"strings"
)

// ReadEnvFile parses a dotenv file into a map. A missing file is not an
// error and yields an empty map. Lines are KEY=VALUE; blank lines and
// #-comments are skipped; single or double quotes around values are
// stripped.
func ReadEnvFile(path string) (map[string]string, error) {
	vars := make(map[string]string)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return vars, nil
		}
		return nil, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		vars[key] = value
	}
	return vars, nil
}

// EnvFileKeys returns the variable names in a dotenv file, in file
// order. Only names leak out, never values. A missing file yields nil.
func EnvFileKeys(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key != "" {
			names = append(names, key)
		}
	}
	return names, nil
}

// LoadEnvFile reads a dotenv file and exports each variable into the
// process environment. Variables already present in the environment win.
func LoadEnvFile(path string) (map[string]string, error) {
	vars, err := ReadEnvFile(path)
	if err != nil {
		return nil, err
	}
	for key, value := range vars {
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return vars, nil
}

// WriteEnvValue sets name=value in the dotenv file, replacing an existing
// assignment for name or appending a new line. Other lines are preserved
// verbatim. The write is atomic and the file stays private (0600).
func WriteEnvValue(path, name, value string) error {
	if name == "" {
		return fmt.Errorf("empty variable name")
	}

	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if len(lines) == 1 && lines[0] == "" {
			lines = nil
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	entry := name + "=" + value
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), name+"=") {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}

	content := strings.Join(lines, "\n") + "\n"
	return AtomicWrite(path, []byte(content), 0600)
}
