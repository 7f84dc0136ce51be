/*
Package config loads kernel settings from YAML or JSON files and the
environment.

Config wraps a decoded document and returns typed values with defaults, so
a missing or mistyped key never fails a load:

	cfg, err := config.FromFile("eventkernel.yaml")
	if err != nil {
	    return err
	}
	poll := cfg.Sub("observers").Duration("poll_interval", time.Second)

Settings is the resolved view used by the server and CLI. Load applies the
file over the defaults and then EVENTKERNEL_* variables:

	settings, err := config.Load(path)

Durations accept Go duration strings ("250ms", "1m") or a number of
seconds.
*/
package config
