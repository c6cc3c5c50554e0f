package instrument

import (
	"os"
	"strconv"

	"github.com/wippyai/fibers/methoddb"
)

// DefaultBlockingCalls are calls that block the carrier thread.
var DefaultBlockingCalls = []string{
	"vm/lang/Thread.sleep",
	"vm/lang/Thread.join",
	"vm/lang/Object.wait",
}

// Config configures an Instrumentor.
type Config struct {
	// Classifier decides suspendability. Nil uses classifier.New().
	Classifier methoddb.Classifier
	// Log receives messages allowed by Verbose and Debug. Nil discards them.
	Log Log
	// Snapshotter receives dumps of units whose name starts with DumpPrefix.
	// Nil writes files to the working directory.
	Snapshotter Snapshotter
	DumpPrefix  string
	// BlockingCalls are patterns of calls that block the carrier thread.
	// Nil uses DefaultBlockingCalls.
	BlockingCalls []string

	// Check verifies every rewritten unit.
	Check         bool
	AllowMonitors bool
	AllowBlocking bool
	// AllowPlatform lifts the exclusion of vm/ and sys/ classes.
	AllowPlatform bool
	// AOT marks output as instrumented ahead of time. It cannot be changed
	// after construction.
	AOT     bool
	Verbose bool
	Debug   bool
}

// Environment switches read by ConfigFromEnv.
const (
	EnvDumpPrefix    = "FIBERS_DUMP_PREFIX"
	EnvDumpDir       = "FIBERS_DUMP_DIR"
	EnvAllowPlatform = "FIBERS_ALLOW_PLATFORM"
)

// ConfigFromEnv returns a Config populated from the environment. Malformed
// boolean values are ignored.
func ConfigFromEnv() Config {
	var cfg Config
	cfg.DumpPrefix = os.Getenv(EnvDumpPrefix)
	if dir, ok := os.LookupEnv(EnvDumpDir); ok && dir != "" {
		cfg.Snapshotter = NewFileSnapshotter(dir)
	}
	if v, ok := os.LookupEnv(EnvAllowPlatform); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowPlatform = b
		}
	}
	return cfg
}
