// Package config loads the enhancer's rules, actions and key bindings.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/polzovatel/tm-enhancer/internal/actions"
	"github.com/polzovatel/tm-enhancer/internal/dom"
	"github.com/polzovatel/tm-enhancer/internal/retry"
	"github.com/polzovatel/tm-enhancer/internal/rules"
	"github.com/polzovatel/tm-enhancer/internal/shortcut"
)

const (
	EnvConfig   = "TM_CONFIG"
	EnvPlatform = "TM_PLATFORM"
)

//go:embed default.yaml
var defaultYAML []byte

// validate checks the struct tags below; fields are reported by yaml name.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type Config struct {
	Platform    string                `yaml:"platform"`
	Debounce    time.Duration         `yaml:"debounce" validate:"gte=0"`
	WaitTimeout time.Duration         `yaml:"wait_timeout" validate:"gte=0"`
	Filter      dom.Filter            `yaml:"filter"`
	Retry       retry.Policy          `yaml:"retry"`
	Rules       []rules.Rule          `yaml:"rules"`
	Actions     []actions.Descriptor  `yaml:"actions"`
	Bindings    []shortcut.Binding    `yaml:"bindings"`
	Escape      shortcut.EscapeConfig `yaml:"escape"`
}

// Default returns the built-in configuration.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := decode(defaultYAML, cfg); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults. Lists present in data replace the
// default lists; scalars and nested maps override field by field.
func Parse(data []byte) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path (the defaults alone when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path == "" {
		cfg, err = Default()
	} else {
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		cfg, err = Parse(data)
		if err != nil {
			err = fmt.Errorf("%s: %w", path, err)
		}
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv lets TM_PLATFORM override the configured platform.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvPlatform)); v != "" {
		c.Platform = v
	}
}

// DefaultPlatform is used when the host cannot tell which platform it runs on.
func (c *Config) DefaultPlatform() shortcut.Platform {
	return shortcut.DetectPlatform(c.Platform, shortcut.PlatformMac)
}

// Validate rejects configurations the enhancer cannot run with.
func (c *Config) Validate() error {
	if c.Platform != "" {
		if _, ok := shortcut.ParsePlatform(c.Platform); !ok {
			return fmt.Errorf("unknown platform %q", c.Platform)
		}
	}
	if err := validate.Struct(c); err != nil {
		return fieldError(err)
	}
	if !c.Filter.ChildList && !c.Filter.Attributes {
		return fmt.Errorf("filter watches nothing")
	}
	if _, err := rules.NewRegistry(c.Rules...); err != nil {
		return err
	}

	names := make(map[string]struct{}, len(c.Actions))
	for _, a := range c.Actions {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, dup := names[a.Name]; dup {
			return fmt.Errorf("duplicate action %s", a.Name)
		}
		names[a.Name] = struct{}{}
	}
	if _, err := shortcut.Compile(c.Bindings); err != nil {
		return err
	}
	for _, b := range c.Bindings {
		if _, ok := names[b.Action]; !ok {
			return fmt.Errorf("binding %s: unknown action %s", b.Combo, b.Action)
		}
	}
	return nil
}

func fieldError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return err
	}
	fe := errs[0]
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "gte":
		return fmt.Errorf("%s must be at least %s, got %v", field, fe.Param(), fe.Value())
	default:
		return fmt.Errorf("%s failed %s", field, fe.Tag())
	}
}
