// Package config loads the daemon's YAML configuration, applies defaults and
// validates driver selections. Provider credentials are never written here:
// the StochasticAI key is resolved by the adapter itself from the file or the
// STOCHASTICAI_API_KEY environment variable.
package config
