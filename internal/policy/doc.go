// Package policy owns the named rate limit policies enforced by the API.
//
// A policy document is YAML:
//
//	version: "2026-03-01"
//	policies:
//	  auth:
//	    window: 15m
//	    max_requests: 20
//
// The built-in Defaults are always available. A local file or a remote
// document (SSM holds the sha256, S3 holds prefix/<sha256>.yaml, with an
// optional detached KMS signature at prefix/<sha256>.yaml.sig) is merged
// over them. The Manager holds the active Snapshot and installs it into a
// ratelimit.Registry; the Watcher polls for remote changes and hot-swaps.
package policy
