package userconfig

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"

	"github.com/ptgott/testmail/email"
	"github.com/ptgott/testmail/storage"

	yaml "gopkg.in/yaml.v2"
)

// EnvPrefix is prepended to every environment variable we read, e.g.
// TESTMAIL_RELAY
const EnvPrefix = "testmail"

// DefaultEnvFile is loaded, if present, before reading the environment
const DefaultEnvFile = ".env"

// Meta represents all current config options that the application can use,
// i.e., after validation and parsing
type Meta struct {
	EmailSettings email.UserConfig `yaml:"email"`
	History       storage.KVConfig `yaml:"history"`
	// Print the composed message to stdout instead of sending it. Only
	// settable from the command line.
	DryRun bool `yaml:"-"`
}

// Env holds the environment variables that override the config file. Only
// the prefixed names are read, e.g. TESTMAIL_USERNAME and never USERNAME.
type Env struct {
	Relay      string
	From       string
	To         string
	Subject    string
	Body       string
	Username   string
	Password   string
	HistoryDir string `split_words:"true"`
}

// Parse generates a configuration from possibly arbitrary user input.
// An error indicates a problem with parsing. The Reader r can be either JSON
// or YAML. Every section is optional, so an empty document is fine.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	err := yaml.NewDecoder(r).Decode(&m)
	if errors.Is(err, io.EOF) {
		log.Debug().Msg("the config file is empty, using defaults")
		return &m, nil
	}
	if err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}

	return &m, nil
}

// ParseFile opens and parses the config file at path.
func ParseFile(path string) (*Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Meta{}, fmt.Errorf("can't open the config file: %v", err)
	}
	defer f.Close()
	return Parse(f)
}

// ReadEnv loads envFile if it exists, then reads the TESTMAIL_* variables.
func ReadEnv(envFile string) (Env, error) {
	var e Env
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Env{}, fmt.Errorf("can't load the env file %v: %v", envFile, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return Env{}, fmt.Errorf("can't read the environment: %v", err)
	}
	return e, nil
}

// ApplyEnv overrides the settings in m with every non-empty value in e.
func (m *Meta) ApplyEnv(e Env) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&m.EmailSettings.RelayAddress, e.Relay)
	set(&m.EmailSettings.FromAddress, e.From)
	set(&m.EmailSettings.ToAddress, e.To)
	set(&m.EmailSettings.Subject, e.Subject)
	set(&m.EmailSettings.Body, e.Body)
	set(&m.EmailSettings.Username, e.Username)
	set(&m.EmailSettings.Password, e.Password)
	set(&m.History.StorageDirPath, e.HistoryDir)
}

// CheckAndSetDefaults validates m and either returns a copy of m with default
// settings applied or returns an error due to an invalid configuration
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := Meta{DryRun: m.DryRun}

	e, err := m.EmailSettings.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.EmailSettings = e

	h, err := m.History.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.History = h

	// A dry run doesn't send anything, so there's nothing to record
	if c.DryRun && c.History.StorageDirPath != "" {
		log.Debug().Msg("disabling the send history for a dry run")
		c.History.StorageDirPath = ""
	}

	return c, nil
}
