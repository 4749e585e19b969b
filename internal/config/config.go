package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/prefork/prefork/internal/logging"
)

// EnvPrefix is prepended to every env tag when looking up overrides.
const EnvPrefix = "PREFORK_"

// Load fills opts from the TOML file named by its Config field and from
// PREFORK_-prefixed environment variables. Precedence is CLI flag > env >
// file > struct default: a flag the operator set on the command line is
// never overwritten, and a missing file is not an error.
//
// Option structs are flat with string, int, and bool fields (the kinds the
// CLI layer supports); toml tags name a section.key pair in the file.
func Load(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts).Elem()
	t := v.Type()

	fromCLI := changedFlags(cmd)
	sections, err := readSections(v, t)
	if err != nil {
		return err
	}

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i)
		if fromCLI[flagName(tag.Name)] || !field.CanSet() {
			continue
		}

		if key := tag.Tag.Get("env"); key != "" {
			if raw := os.Getenv(EnvPrefix + key); raw != "" {
				setFromString(field, raw)
				continue
			}
		}
		if path := tag.Tag.Get("toml"); path != "" {
			if value := sections.lookup(path); value != nil {
				setFromTOML(field, value)
			}
		}
	}
	return nil
}

// changedFlags collects the names of flags explicitly passed on the
// command line.
func changedFlags(cmd *cobra.Command) map[string]bool {
	changed := make(map[string]bool)
	if cmd == nil {
		return changed
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			changed[f.Name] = true
		}
	})
	return changed
}

type fileSections map[string]any

// readSections parses the config file named by the struct's Config field.
// A missing file yields an empty map; a malformed one is an error.
func readSections(v reflect.Value, t reflect.Type) (fileSections, error) {
	var path string
	for i := 0; i < v.NumField(); i++ {
		if t.Field(i).Name == "Config" {
			path = v.Field(i).String()
			break
		}
	}
	if path == "" {
		return fileSections{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileSections{}, nil
	}
	var sections fileSections
	if err := toml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return sections, nil
}

// lookup resolves a dotted section.key path against the parsed file.
func (s fileSections) lookup(path string) any {
	current := map[string]any(s)
	for {
		head, rest, found := strings.Cut(path, ".")
		if !found {
			return current[head]
		}
		next, ok := current[head].(map[string]any)
		if !ok {
			return nil
		}
		current = next
		path = rest
	}
}

// flagName converts a field name to its kebab-case CLI flag the same way
// the CLI layer does: "PoolWorkers" -> "pool-workers", acronym runs stay
// together so "NatsURL" -> "nats-url".
func flagName(field string) string {
	runes := []rune(field)
	var out []rune
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				out = append(out, '-')
			}
		}
		out = append(out, unicode.ToLower(r))
	}
	return string(out)
}

func setFromTOML(field reflect.Value, value any) {
	switch field.Kind() {
	case reflect.String:
		if s, ok := value.(string); ok {
			field.SetString(s)
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int:
		switch n := value.(type) {
		case int64:
			field.SetInt(n)
		case int:
			field.SetInt(int64(n))
		}
	}
}

func setFromString(field reflect.Value, raw string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			field.SetBool(b)
		}
	case reflect.Int:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			field.SetInt(n)
		}
	}
}

// LoadLoggingConfig reads the [logging] section of the config file. The
// level and format keys are global; every other key names a module and its
// level, e.g. supervisor = "debug". Missing or unreadable files yield the
// defaults.
func LoadLoggingConfig(path string) logging.Config {
	cfg := logging.Config{
		Level:   "info",
		Format:  "text",
		Modules: make(map[string]string),
	}
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	var file struct {
		Logging map[string]string `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return cfg
	}
	for key, value := range file.Logging {
		switch key {
		case "level":
			cfg.Level = value
		case "format":
			cfg.Format = value
		default:
			cfg.Modules[key] = value
		}
	}
	return cfg
}
