package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/cfiwalk/pkg/logflags"
)

const (
	configDir  string = ".cfiwalk"
	configFile string = "config.yml"

	// DefaultMaxStackDepth is the number of caller frames walked when
	// max-stack-depth is not set.
	DefaultMaxStackDepth = 50
	// DefaultLibraryCacheSize is the number of libraries kept open per
	// process when library-cache-size is not set.
	DefaultLibraryCacheSize = 64
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// MaxStackDepth is the maximum number of caller frames unwound for
	// each thread.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`
	// LibraryCacheSize is the number of libraries, with their parsed call
	// frame information, kept open for a process.
	LibraryCacheSize *int `yaml:"library-cache-size,omitempty"`

	// If Disassemble is true the stack listing shows the instruction at
	// the PC of each frame.
	Disassemble bool `yaml:"disassemble"`
	// If ShowCFA is true the stack listing shows the CFA and the CFI row
	// of each frame.
	ShowCFA bool `yaml:"show-cfa"`

	// DebugInfoDirectories is the list of directories used to resolve
	// separate debug info files, for libraries stripped of .eh_frame.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`
}

// GetMaxStackDepth returns MaxStackDepth or its default.
func (c *Config) GetMaxStackDepth() int {
	if c.MaxStackDepth == nil || *c.MaxStackDepth < 0 {
		return DefaultMaxStackDepth
	}
	return *c.MaxStackDepth
}

// GetLibraryCacheSize returns LibraryCacheSize or its default.
func (c *Config) GetLibraryCacheSize() int {
	if c.LibraryCacheSize == nil || *c.LibraryCacheSize <= 0 {
		return DefaultLibraryCacheSize
	}
	return *c.LibraryCacheSize
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	logger := logflags.ConfigLogger()
	err := createConfigPath()
	if err != nil {
		logger.Errorf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		logger.Errorf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			logger.Errorf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			logger.Errorf("Closing config file failed: %v.", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		logger.Errorf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	logger.Debugf("loaded %s", fullConfigFile)
	return c
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for cfiwalk.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Maximum number of caller frames unwound for each thread.
# max-stack-depth: 50

# Number of libraries kept open, with their call frame information, for a process.
# library-cache-size: 64

# Uncomment the following line to print the instruction at the PC of each frame.
# disassemble: true

# Uncomment the following line to print the CFA and the CFI row of each frame.
# show-cfa: true

# List of directories to use when searching for separate debug info files.
debug-info-directories: ["/usr/lib/debug/.build-id"]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("CFIWALK_CONFIG_DIR"); dir != "" {
		return path.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
