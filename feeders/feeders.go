// Package feeders loads a Config from TOML, YAML, or the process
// environment, matching the teacher's feeders package shape (one Feed(v
// any) error method per source) but built only on dependencies already
// declared for this module: BurntSushi/toml and gopkg.in/yaml.v3 for file
// formats, and reflection over the `env:"..."` struct tag for the
// environment, rather than the teacher's golobby/config-based env feeder
// (which this module's go.mod never declared).
package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Feeder loads configuration values into v, a pointer to a struct.
type Feeder interface {
	Feed(v any) error
}

// TomlFeeder reads a TOML file at Path into the target struct.
type TomlFeeder struct {
	Path string
}

func (f TomlFeeder) Feed(v any) error {
	if _, err := toml.DecodeFile(f.Path, v); err != nil {
		return fmt.Errorf("feeders: toml: %w", err)
	}
	return nil
}

// YamlFeeder reads a YAML file at Path into the target struct.
type YamlFeeder struct {
	Path string
}

func (f YamlFeeder) Feed(v any) error {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("feeders: yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("feeders: yaml: %w", err)
	}
	return nil
}

// EnvFeeder overlays values from the process environment onto the target
// struct, reading each field's `env:"..."` tag. It only sets fields whose
// environment variable is actually present, so it composes as the final,
// highest-precedence pass after a file feeder.
type EnvFeeder struct{}

func (EnvFeeder) Feed(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("feeders: env: target must be a pointer to struct")
	}
	return feedStruct(rv.Elem())
}

func feedStruct(sv reflect.Value) error {
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(tag)
		if !ok {
			continue
		}
		if err := setField(sv.Field(i), raw); err != nil {
			return fmt.Errorf("feeders: env: field %s: %w", field.Name, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, raw string) error {
	if fv.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(n)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}

// Load feeds v from each feeder in order, later feeders overriding earlier
// ones, matching the teacher's three-tier precedence (file defaults, then
// format-specific file, then environment overrides last).
func Load(v any, feeders ...Feeder) error {
	for _, f := range feeders {
		if err := f.Feed(v); err != nil {
			return err
		}
	}
	return nil
}
