package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// configSchema constrains CUE and JSON configuration files. Definitions are
// closed, so unknown fields are rejected with their position. Semantic rules
// shared with YAML files live in Validate.
const configSchema = `
#Duration: string | number

#Application: {
	name:   string & =~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"
	owner:  string & !=""
	repo:   string & !=""
	branch: string & !=""
	path:   string & !=""
	url?:   string
}

#SSH: {
	host:                      string
	port?:                     int & >0 & <=65535
	user:                      string
	auth_method?:              "password" | "key" | "agent"
	password_env?:             string
	private_key_path?:         string
	passphrase_env?:           string
	known_hosts_path?:         string
	strict_host_key_checking?: bool
	connection_timeout?:       #Duration
	keepalive_interval?:       #Duration
	proxy_host?:               string
	proxy_port?:               int & >0 & <=65535
	proxy_user?:               string
	proxy_private_key_path?:   string
}

#Config: {
	applications: [...#Application]
	poll_interval?:    int
	max_retries?:      int
	degraded_ceiling?: int & >=0
	concurrency?:      int & >=0
	state_db?:         string
	audit_log?:        string

	oracle?: {
		kind?:                "github" | "git"
		base_url?:            string
		token_env?:           string
		requests_per_second?: number & >=0
		burst?:               int & >=0
		budget_limit?:        int & >=0
		budget_window?:       #Duration
		timeout?:             #Duration
	}

	executor?: {
		timeout?:         #Duration
		backoff_initial?: #Duration
		backoff_max?:     #Duration
		check?: [...string]
		clone?: [...string]
		sync?: [...[...string]]
		restart?: [...[...string]]
		runner?: {
			kind?: "local" | "ssh"
			ssh?:  #SSH
		}
	}

	health?: {
		listen?:       string
		stale_cycles?: int & >=0
	}

	logging?: {
		level?:       "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		format?:      "console" | "json"
		output?:      string
		caller?:      bool
		time_format?: string
	}

	tracing?: {
		enabled?:       bool
		exporter?:      "otlp" | "stdout" | "none"
		endpoint?:      string
		sampling_rate?: number & >=0 & <=1
		insecure?:      bool
		headers?: [string]: string
	}
}
`

// compileSchema compiles the configuration schema and returns #Config.
func compileSchema(ctx *cue.Context) cue.Value {
	val := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		panic(fmt.Sprintf("invalid configuration schema: %v", err))
	}
	return val.LookupPath(cue.ParsePath("#Config"))
}

// formatCUEError flattens a CUE error list into one message with positions.
func formatCUEError(err error) string {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		msg := cueerrors.Details(e, nil)
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "schema.cue" {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), strings.TrimSpace(msg))
		}
		lines = append(lines, strings.TrimSpace(msg))
	}
	if len(lines) == 0 {
		return err.Error()
	}
	return strings.Join(lines, "; ")
}
