/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/cloudnative-pg/machinery/pkg/log"
)

// EnvironmentSource is the abstraction the reader pulls environment
// variables from. Production code uses OsEnvironment; tests can supply a
// fake map without touching the process environment.
type EnvironmentSource interface {
	Getenv(key string) string
}

// OsEnvironment reads from the real process environment.
type OsEnvironment struct{}

// Getenv implements EnvironmentSource.
func (OsEnvironment) Getenv(key string) string {
	return os.Getenv(key)
}

// ReadConfigMap populates config by walking its fields for an `env:"NAME"`
// struct tag and resolving NAME first from env, then from data. A value
// that fails to parse for its field's type is logged and replaced with
// the corresponding field from defaultConfig, so one malformed variable
// can't zero out the whole struct.
func ReadConfigMap(config, defaultConfig any, data map[string]string, env EnvironmentSource) {
	configValue := reflect.ValueOf(config).Elem()
	defaultValue := reflect.ValueOf(defaultConfig).Elem()
	configType := configValue.Type()

	for i := 0; i < configType.NumField(); i++ {
		field := configType.Field(i)
		envName, ok := field.Tag.Lookup("env")
		if !ok {
			continue
		}

		raw := env.Getenv(envName)
		if raw == "" {
			raw = data[envName]
		}
		if raw == "" {
			continue
		}

		if err := setField(configValue.Field(i), raw); err != nil {
			log.Info("Skipping invalid configuration value, keeping the default",
				"variable", envName, "value", raw, "error", err.Error())
			configValue.Field(i).Set(defaultValue.Field(i))
		}
	}
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(parsed)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(parsed)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			field.Set(reflect.ValueOf(splitAndTrim(raw)))
			return nil
		}
		return errUnsupportedKind(field)
	default:
		return errUnsupportedKind(field)
	}
	return nil
}

func errUnsupportedKind(field reflect.Value) error {
	return &unsupportedKindError{kind: field.Kind().String()}
}

type unsupportedKindError struct{ kind string }

func (e *unsupportedKindError) Error() string {
	return "unsupported configuration field kind: " + e.kind
}

// splitAndTrim splits a comma-separated list and trims whitespace around
// each element, dropping empty elements.
func splitAndTrim(raw string) []string {
	pieces := strings.Split(raw, ",")
	result := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		trimmed := strings.TrimSpace(piece)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
