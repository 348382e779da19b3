// Package env holds the command line helpers shared by the server binaries:
// dotenv files, flag-or-environment lookups and logger construction.
package env

import (
	"os"
	"strings"

	"github.com/agentuity/mcp-sse/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses a dotenv file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []EnvLine{}, nil
		}
		return nil, errors.Wrapf(err, "reading env file %s", filename)
	}
	return ParseEnvBuffer(buf)
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ProcessEnvLine splits KEY=VALUE, removing one level of quotes and an
// optional "export " prefix.
func ProcessEnvLine(line string) EnvLine {
	line = strings.TrimPrefix(line, "export ")
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return EnvLine{Key: strings.TrimSpace(line)}
	}
	return EnvLine{Key: strings.TrimSpace(key), Val: dequote(strings.TrimSpace(val))}
}

// interpolate expands ${NAME} and ${NAME:-default} from vars, and
// ${env:NAME} from the process environment. Unresolved references are kept.
func interpolate(input string, vars map[string]string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	var out strings.Builder
	for {
		start := strings.Index(input, "${")
		if start < 0 {
			out.WriteString(input)
			return out.String()
		}
		end := strings.IndexByte(input[start:], '}')
		if end < 0 {
			out.WriteString(input)
			return out.String()
		}
		end += start
		out.WriteString(input[:start])
		ref := input[start : end+1]
		name, def, _ := strings.Cut(input[start+2:end], ":-")

		var val string
		if envName, ok := strings.CutPrefix(name, "env:"); ok {
			val = os.Getenv(envName)
		} else {
			val = vars[name]
		}
		switch {
		case name == "":
			out.WriteString(ref)
		case val != "":
			out.WriteString(val)
		case def != "":
			out.WriteString(def)
		default:
			out.WriteString(ref)
		}
		input = input[end+1:]
	}
}

// ParseEnvBuffer parses dotenv content. Values may reference keys defined
// anywhere in the buffer.
func ParseEnvBuffer(buf []byte) ([]EnvLine, error) {
	envs := make([]EnvLine, 0)
	vars := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		el := ProcessEnvLine(line)
		if el.Key == "" {
			continue
		}
		el.Val = interpolate(el.Val, vars)
		vars[el.Key] = el.Val
		envs = append(envs, el)
	}
	for i := range envs {
		envs[i].Val = interpolate(envs[i].Val, vars)
	}
	return envs, nil
}

// Lookup returns a lookup that prefers the process environment and falls
// back to lines. It matches config.LookupFunc.
func Lookup(lines []EnvLine) func(key string) (string, bool) {
	vars := make(map[string]string, len(lines))
	for _, el := range lines {
		vars[el.Key] = el.Val
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}
}

// FlagOrEnv returns the flag value when set, then the environment value, then
// defaultValue.
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

// NewLogger builds the process logger. format is "json" or "console".
func NewLogger(format string, level string) logger.Logger {
	lvl := logger.ParseLevel(level)
	if strings.EqualFold(format, "json") {
		return logger.NewJSONLogger(lvl)
	}
	return logger.NewConsoleLogger(lvl)
}
