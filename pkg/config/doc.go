// Package config loads, validates and publishes the reposync configuration.
//
// # Overview
//
// A configuration file lists the tracked applications and the tunables of
// the reconciliation loop. It is read once at startup into a Holder, whose
// Snapshot method feeds the reconciler. With hot reload enabled a Watcher
// re-reads the file on change and swaps in the new value when it is valid.
//
// # Formats
//
// The format follows the file extension:
//
//   - .yaml, .yml: decoded with gopkg.in/yaml.v3; unknown keys are errors
//   - .json, .cue: compiled with CUE and unified with a closed schema
//     before decoding
//
// Missing keys keep their defaults. Relative application paths, state_db
// and audit_log resolve against the directory of the file.
//
// # Example
//
//	applications:
//	  - name: billing-api
//	    owner: acme
//	    repo: billing
//	    branch: main
//	    path: /srv/apps/billing-api
//	poll_interval: 300
//	max_retries: 3
//	oracle:
//	  kind: github
//	  token_env: GITHUB_TOKEN
//	  budget_limit: 4000
//	  budget_window: 1h
//	executor:
//	  restart:
//	    - [docker, restart, "{{.Name}}"]
//
// # Validation
//
// Struct rules are expressed as go-playground/validator tags, including the
// custom appname rule. Cross-field rules (unique names and paths, positive
// poll interval, at least one attempt, known oracle and runner kinds) are
// checked explicitly. Every problem is collected into a single
// configuration error, which is fatal at startup and ignored on reload.
//
// # Thread Safety
//
// Holder is safe for concurrent use. A Config must not be modified after
// it has been published.
package config
