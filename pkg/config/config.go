package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "ptserver"
	configDirHidden string = ".ptserver"
	configFile      string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// FollowFork requests fork, vfork, vfork-done and clone events when the
	// thread manager is set up.
	FollowFork *bool `yaml:"follow-fork,omitempty"`
	// FollowExec additionally requests exec and exit events.
	FollowExec bool `yaml:"follow-exec"`

	// MemWrite opens the per-process memory channel read-write. When false
	// writes fall back to PTRACE_POKEDATA.
	MemWrite *bool `yaml:"mem-write,omitempty"`
	// MemCachePages is the number of target memory pages cached while the
	// inferior is stopped. Zero disables the cache.
	MemCachePages int `yaml:"mem-cache-pages"`

	// HandshakeTimeout bounds a thread manager round trip. Zero waits forever.
	HandshakeTimeout time.Duration `yaml:"handshake-timeout"`

	// LogOutput is the default value of --log-output.
	LogOutput string `yaml:"log-output"`
}

// FollowForkEnabled reports whether fork/clone tracing should be requested.
func (c *Config) FollowForkEnabled() bool {
	return c.FollowFork == nil || *c.FollowFork
}

// MemWriteEnabled reports whether the memory channel should be writable.
func (c *Config) MemWriteEnabled() bool {
	return c.MemWrite == nil || *c.MemWrite
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}
	return Parse(data)
}

// Parse decodes a configuration file.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	if c.MemCachePages < 0 {
		return &Config{}, fmt.Errorf("mem-cache-pages must not be negative (%d)", c.MemCachePages)
	}
	if c.HandshakeTimeout < 0 {
		return &Config{}, fmt.Errorf("handshake-timeout must not be negative (%v)", c.HandshakeTimeout)
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
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for ptserver.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Trace fork, vfork, vfork-done and clone events of the inferior.
# follow-fork: true

# Also trace exec and exit events.
# follow-exec: false

# Open /proc/<pid>/mem read-write. When disabled memory writes use PTRACE_POKEDATA.
# mem-write: true

# Number of target memory pages cached while the inferior is stopped (0 disables).
# mem-cache-pages: 0

# Maximum duration of a thread manager round trip (0 waits forever).
# handshake-timeout: 0s

# Default comma separated list of log layers (ptrace,breakpoints,wait,threadmgr,server).
# log-output: server
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
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return path.Join(configPath, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDirHidden, file), nil
}
