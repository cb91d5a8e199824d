package vconfig

import (
	"github.com/spf13/pflag"
)

// Flag names registered by [AddFlags].
const (
	FlagNodeURL      = "node-url"
	FlagNodeAPIKey   = "node-api-key"
	FlagControl      = "control"
	FlagStoreDriver  = "store"
	FlagStorePath    = "store-path"
	FlagPollInterval = "poll-interval"
	FlagLogLevel     = "log-level"
	FlagLogFormat    = "log-format"
)

// AddFlags registers the config override flags on fs.
// Their defaults are only used in help output;
// [ApplyFlags] copies a flag into the config only when it was set.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.String(FlagNodeURL, d.Node.URL, "node RPC URL (http(s):// or unix:/path)")
	fs.String(FlagNodeAPIKey, "", "node RPC API key")
	fs.String(FlagControl, d.Control.Listen, "control API listen address (host:port or unix:/path; empty disables)")
	fs.String(FlagStoreDriver, d.Store.Driver, "state store driver (sqlite or memory)")
	fs.String(FlagStorePath, d.Store.Path, "sqlite database path")
	fs.Duration(FlagPollInterval, d.Session.PollInterval.Std(), "epoch poll interval")
	fs.String(FlagLogLevel, d.Log.Level, "log level (debug, info, warn, error)")
	fs.String(FlagLogFormat, d.Log.Format, "log format (text or json)")
}

// ApplyFlags copies every flag registered by [AddFlags] that was set on fs into cfg.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	strs := map[string]*string{
		FlagNodeURL:     &cfg.Node.URL,
		FlagNodeAPIKey:  &cfg.Node.APIKey,
		FlagControl:     &cfg.Control.Listen,
		FlagStoreDriver: &cfg.Store.Driver,
		FlagStorePath:   &cfg.Store.Path,
		FlagLogLevel:    &cfg.Log.Level,
		FlagLogFormat:   &cfg.Log.Format,
	}
	for name, p := range strs {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*p = v
	}

	if fs.Changed(FlagPollInterval) {
		v, err := fs.GetDuration(FlagPollInterval)
		if err != nil {
			return err
		}
		cfg.Session.PollInterval = Duration(v)
	}

	return nil
}
