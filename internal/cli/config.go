package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/wippyai/fibers/classifier"
	"github.com/wippyai/fibers/instrument"
	"github.com/wippyai/fibers/store"
)

// DefaultConfigFile is looked up in the working directory when no --config
// flag is given.
const DefaultConfigFile = "fiberc.toml"

// Config represents a fiberc.toml file.
type Config struct {
	Instrument InstrumentSection `toml:"instrument"`
	Classifier ClassifierSection `toml:"classifier"`
	Store      StoreSection      `toml:"store"`

	// Dir is the directory containing the file; relative paths resolve
	// against it.
	Dir string `toml:"-"`
}

// InstrumentSection configures the instrumentor.
type InstrumentSection struct {
	DumpPrefix    string   `toml:"dump-prefix"`
	DumpDir       string   `toml:"dump-dir"`
	BlockingCalls []string `toml:"blocking-calls"`
	Check         bool     `toml:"check"`
	AllowMonitors bool     `toml:"allow-monitors"`
	AllowBlocking bool     `toml:"allow-blocking"`
	AllowPlatform bool     `toml:"allow-platform"`
	AOT           bool     `toml:"aot"`
}

// ClassifierSection names list files in the suspendables format.
type ClassifierSection struct {
	Suspendables      []string `toml:"suspendables"`
	SuspendableSupers []string `toml:"suspendable-supers"`
}

// StoreSection configures the AOT store.
type StoreSection struct {
	Path string `toml:"path"`
}

// LoadConfig parses the file at path. A missing file at the default
// location yields an empty config.
func LoadConfig(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return &Config{Dir: "."}, nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir = filepath.Dir(path)
	return &c, nil
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// BuildClassifier builds the default classifier from the configured list files
// and, when a store is configured, the verdicts of earlier builds.
func (c *Config) BuildClassifier(ctx context.Context, st *store.Store) (*classifier.Default, error) {
	var susp, supers []string
	for _, f := range c.Classifier.Suspendables {
		list, err := classifier.LoadSuspendables(c.resolve(f))
		if err != nil {
			return nil, err
		}
		susp = append(susp, list...)
	}
	for _, f := range c.Classifier.SuspendableSupers {
		list, err := classifier.LoadSuspendables(c.resolve(f))
		if err != nil {
			return nil, err
		}
		supers = append(supers, list...)
	}
	if st != nil {
		known, knownSupers, err := st.SuspendableLists(ctx)
		if err != nil {
			return nil, err
		}
		susp = append(susp, known...)
		supers = append(supers, knownSupers...)
	}
	return classifier.New(
		classifier.WithSuspendables(susp),
		classifier.WithSuspendableSupers(supers),
	), nil
}

// InstrumentConfig returns the instrumentor settings of the file. Classifier
// and Log are left for the caller.
func (c *Config) InstrumentConfig() instrument.Config {
	s := c.Instrument
	cfg := instrument.Config{
		DumpPrefix:    s.DumpPrefix,
		BlockingCalls: s.BlockingCalls,
		Check:         s.Check,
		AllowMonitors: s.AllowMonitors,
		AllowBlocking: s.AllowBlocking,
		AllowPlatform: s.AllowPlatform,
		AOT:           s.AOT,
	}
	if s.DumpDir != "" {
		cfg.Snapshotter = instrument.NewFileSnapshotter(c.resolve(s.DumpDir))
	}
	return cfg
}

// StorePath returns the resolved store path, or "" when none is configured.
func (c *Config) StorePath() string {
	return c.resolve(c.Store.Path)
}
