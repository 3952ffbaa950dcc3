/*
Copyright 2024 The Constellation Engine Authors.

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

package options

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/loader"
)

// ServerOptions contains the full configuration of the constellation
// server. Fields carry yaml tags so a config file can set any of them;
// flags override the file.
type ServerOptions struct {
	// ListenAddr is the address the REST server binds.
	ListenAddr string `json:"listenAddr"`

	// StoreDir enables filesystem persistence of images, aliases, the
	// syntactic index and version history. Empty means in-memory only.
	StoreDir string `json:"storeDir"`

	// LoadDir, when set, is bulk-loaded at startup.
	LoadDir string `json:"loadDir"`

	// LoadRecursive descends into subdirectories of LoadDir.
	LoadRecursive bool `json:"loadRecursive"`

	// LoadAliasStrategy is one of file-name, relative-path, hash-only.
	LoadAliasStrategy string `json:"loadAliasStrategy"`

	// LoadFailOnError aborts startup when any source file fails to load.
	LoadFailOnError bool `json:"loadFailOnError"`

	// MaxSuspensions caps the suspension store.
	MaxSuspensions int `json:"maxSuspensions"`

	// LogLevel sets klog verbosity.
	LogLevel int `json:"logLevel"`

	// ConfigFile is the yaml file the other fields were loaded from.
	ConfigFile string `json:"-"`
}

// NewServerOptions returns options with defaults.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		ListenAddr:        ":8080",
		LoadAliasStrategy: string(loader.AliasFileName),
		MaxSuspensions:    10_000,
		LogLevel:          2,
	}
}

// AddFlags registers every option as a flag.
func (o *ServerOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile,
		"Path to a yaml config file. Flags set explicitly override it")
	fs.StringVar(&o.ListenAddr, "listen-addr", o.ListenAddr,
		"Address the REST server binds")
	fs.StringVar(&o.StoreDir, "store-dir", o.StoreDir,
		"Directory for persisted images, aliases and version history. Empty disables persistence")
	fs.StringVar(&o.LoadDir, "load-dir", o.LoadDir,
		"Directory of pipeline sources to bulk-load at startup")
	fs.BoolVar(&o.LoadRecursive, "load-recursive", o.LoadRecursive,
		"Descend into subdirectories when bulk-loading")
	fs.StringVar(&o.LoadAliasStrategy, "load-alias-strategy", o.LoadAliasStrategy,
		"Alias strategy for bulk-loaded pipelines: file-name, relative-path or hash-only")
	fs.BoolVar(&o.LoadFailOnError, "load-fail-on-error", o.LoadFailOnError,
		"Abort startup when any pipeline source fails to load")
	fs.IntVar(&o.MaxSuspensions, "max-suspensions", o.MaxSuspensions,
		"Maximum suspended executions held before oldest-first eviction")
	fs.IntVar(&o.LogLevel, "log-level", o.LogLevel,
		"Log verbosity (0-10)")
}

// LoadConfigFile merges the yaml config file under flags that were not
// set explicitly.
func (o *ServerOptions) LoadConfigFile(fs *pflag.FlagSet) error {
	if o.ConfigFile == "" {
		return nil
	}
	data, err := os.ReadFile(o.ConfigFile)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	fromFile := NewServerOptions()
	if err := yaml.UnmarshalStrict(data, fromFile); err != nil {
		return fmt.Errorf("parsing config file %s: %w", o.ConfigFile, err)
	}

	// Explicit flags win over the file.
	set := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = true })
	if !set["listen-addr"] {
		o.ListenAddr = fromFile.ListenAddr
	}
	if !set["store-dir"] {
		o.StoreDir = fromFile.StoreDir
	}
	if !set["load-dir"] {
		o.LoadDir = fromFile.LoadDir
	}
	if !set["load-recursive"] {
		o.LoadRecursive = fromFile.LoadRecursive
	}
	if !set["load-alias-strategy"] {
		o.LoadAliasStrategy = fromFile.LoadAliasStrategy
	}
	if !set["load-fail-on-error"] {
		o.LoadFailOnError = fromFile.LoadFailOnError
	}
	if !set["max-suspensions"] {
		o.MaxSuspensions = fromFile.MaxSuspensions
	}
	if !set["log-level"] {
		o.LogLevel = fromFile.LogLevel
	}
	return nil
}

// Validate rejects unusable configurations.
func (o *ServerOptions) Validate() error {
	if o.ListenAddr == "" {
		return fmt.Errorf("listen-addr must not be empty")
	}
	if o.MaxSuspensions < 1 {
		return fmt.Errorf("max-suspensions must be at least 1, got %d", o.MaxSuspensions)
	}
	if o.LogLevel < 0 || o.LogLevel > 10 {
		return fmt.Errorf("log-level must be between 0 and 10, got %d", o.LogLevel)
	}
	if _, err := loader.ParseAliasStrategy(o.LoadAliasStrategy); err != nil {
		return err
	}
	return nil
}

// Complete applies derived configuration, currently the klog verbosity.
func (o *ServerOptions) Complete() error {
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	return klogFlags.Set("v", fmt.Sprintf("%d", o.LogLevel))
}
