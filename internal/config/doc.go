// Package config handles configuration loading for switchboard.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SWITCHBOARD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/switchboard/config.yaml
//  3. ~/.config/switchboard/config.yaml
//
// Files with a .toml extension are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tenants:
//	  - id: "acme"
//	    auth_token: "${ACME_AUTH_TOKEN}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  reply_deadline: "10s"   # synchronous webhook budget
//	  process_timeout: "60s"  # ceiling for one background process task
//	agent:
//	  url: "http://localhost:9000"
//	  timeout: "25s"          # agent call budget before the apology fallback
//	transcription:
//	  proxy_url: "http://localhost:9100"
//	  media_timeout: "10s"
//	  stt_timeout: "20s"
//
// relay.reply_deadline must be shorter than agent.timeout.
//
// # Tenants
//
//	tenants:
//	  - id: "acme"
//	    webhook_secret: "${ACME_WEBHOOK_SECRET}"
//	    require_secret: false          # true answers secret mismatches with 403
//	    account_sid: "AC..."
//	    auth_token: "${ACME_AUTH_TOKEN}"
//	    messaging_service_sid: "MG..." # or from_number
//	    messages:
//	      handoff: "I've notified our care team."
//
// Tenants are seeded into the database at startup and read per request.
package config
