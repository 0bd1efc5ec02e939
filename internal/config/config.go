// Package config builds the typed configuration of each lambda from its
// environment. Values are resolved once in main and passed down explicitly.
package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
)

// ssmPrefix marks a value that must be fetched from Parameter Store,
// e.g. TABLE_NAME=ssm:/weather/dev/table.
const ssmPrefix = "ssm:"

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ConfigurationError reports a missing or invalid environment value.
type ConfigurationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Lookup has the signature of os.LookupEnv.
type Lookup func(key string) (string, bool)

type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Source reads raw values from an environment and resolves ssm: references.
type Source struct {
	lookup Lookup
	params ParameterGetter
}

// FromEnvironment loads an optional .env file (local runs) and reads the
// process environment. params may be nil when no value uses ssm:.
func FromEnvironment(params ParameterGetter) *Source {
	_ = godotenv.Load()
	return &Source{lookup: os.LookupEnv, params: params}
}

// FromMap is a Source backed by a fixed map, used by tests and tooling.
func FromMap(m map[string]string, params ParameterGetter) *Source {
	return &Source{
		lookup: func(k string) (string, bool) {
			v, ok := m[k]
			return v, ok
		},
		params: params,
	}
}

func (s *Source) value(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.lookup(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false, nil
	}
	if !strings.HasPrefix(v, ssmPrefix) {
		return v, true, nil
	}

	name := strings.TrimPrefix(v, ssmPrefix)
	if s.params == nil {
		return "", false, &ConfigurationError{Key: key, Reason: "ssm reference " + name + " but no parameter client"}
	}
	out, err := s.params.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", false, &ConfigurationError{Key: key, Reason: "ssm GetParameter " + name, Err: err}
	}
	if out.Parameter == nil {
		return "", false, &ConfigurationError{Key: key, Reason: "ssm parameter " + name + " has no value"}
	}
	resolved := strings.TrimSpace(aws.ToString(out.Parameter.Value))
	return resolved, resolved != "", nil
}

func (s *Source) required(ctx context.Context, key string) (string, error) {
	v, ok, err := s.value(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &ConfigurationError{Key: key, Reason: "missing env"}
	}
	return v, nil
}

func (s *Source) optional(ctx context.Context, key, def string) (string, error) {
	v, ok, err := s.value(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// duration falls back to def when the value is unset or unparseable.
func (s *Source) duration(ctx context.Context, key string, def time.Duration) (time.Duration, error) {
	v, err := s.optional(ctx, key, "")
	if err != nil || v == "" {
		return def, err
	}
	d, perr := time.ParseDuration(v)
	if perr != nil || d <= 0 {
		return def, nil
	}
	return d, nil
}

func (s *Source) boolean(ctx context.Context, key string, def bool) (bool, error) {
	v, err := s.optional(ctx, key, "")
	if err != nil || v == "" {
		return def, err
	}
	b, perr := strconv.ParseBool(v)
	if perr != nil {
		return def, nil
	}
	return b, nil
}

func identifier(key, v string) error {
	if !identifierRe.MatchString(v) {
		return &ConfigurationError{Key: key, Reason: fmt.Sprintf("%q is not a valid identifier", v)}
	}
	return nil
}

func ensureTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
