/*
Package config loads kernel settings.

A Config wraps a map[string]any and provides typed accessors that return a
default on a missing key or a type mismatch. Keys may be dotted paths into
nested sections, which is how YAML files are usually laid out:

	routing:
	  domain_source_prefix: alchemiser.
	  modes: [trade, paper]
	  default_mode: trade
	idempotency:
	  done_ttl: 168h
	retry:
	  max_attempts: 5
	  max_age: 1h
	storage:
	  idempotency: redis
	  workflow: etcd
	  redis_addr: localhost:6379
	  etcd_endpoints: [localhost:2379]
	log:
	  level: info
	  format: json

Settings is the resolved form. LoadSettings applies, in increasing order of
precedence, the defaults, the optional file and TRADEFLOW_* environment
variables (for example TRADEFLOW_REDIS_ADDR or TRADEFLOW_LOG_LEVEL). Dotenv
files passed to LoadSettings are loaded into the environment first.

	settings, err := config.LoadSettings("tradeflow.yaml", ".env")
	if err != nil {
	    log.Fatal(err)
	}
	logger, err := config.NewLogger(settings.Log, os.Stderr)

Environment values are strings; the numeric, boolean and slice accessors
parse them (slices split on commas).
*/
package config
