// Package config loads, validates, and defaults the TOML configuration that
// drives the reelforge daemon: directory layout, API bind address, identity
// signing, object storage, the analysis LLM, generation providers, voice
// synthesis, and workflow timing knobs.
package config
