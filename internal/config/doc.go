// Package config provides configuration management for devspin.
//
// Two kinds of configuration are handled here: the tool settings that
// control how devspin itself behaves, and the project documents that
// describe the services to orchestrate.
//
// # Settings Layers
//
// Settings are loaded with viper and merged in the following order, later
// sources overriding earlier ones:
//
//  1. Built-in defaults
//
//  2. User configuration (~/.config/devspin/config.yaml)
//     - Personal preferences that apply to every project
//
//  3. Working directory configuration (./.devspin/config.yaml)
//     - Settings shared by a team through version control
//
//  4. An explicit file passed with --config
//
//  5. Environment variables with the DEVSPIN_ prefix
//     (DEVSPIN_GRACE_PERIOD, DEVSPIN_HEALTH_RETRIES, ...)
//
// The merged result is validated before use:
//
//	state_dir: ~/.local/state/devspin
//	projects_dir: ~/code
//	log_level: info           # debug, info, warn, error
//	log_format: text          # text or json
//	grace_period: 5s
//	kill_timeout: 5s
//	hook_timeout: 60s
//	max_concurrency: 8
//	health:
//	  interval: 500ms
//	  retries: 10
//	  timeout: 60s
//	  max_backoff: 5s
//	  backoff_multiplier: 1.5
//
// # Project Documents
//
// A project is described by a devspin.yaml file. LoadProject accepts a path
// to the file, a directory containing it, or a bare project name which is
// looked up as <projects_dir>/<name>/devspin.yaml and then
// ./<name>/devspin.yaml. Unknown fields are rejected.
//
//	name: web
//	environment:
//	  LOG_LEVEL: debug
//	services:
//	  - name: db
//	    command: postgres -D ./data
//	    ports: [5432]
//	    health_checks:
//	      - type: port
//	  - name: api
//	    command: ./bin/api
//	    depends_on: [db]
//
// Relative working directories resolve against the directory of the
// document. An optional dotenv file can be overlaid on the project
// environment with ApplyEnvFile.
package config
