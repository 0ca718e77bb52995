// Package engine is the composition root of portbridge. It turns a Config
// into a running host: the host store, one bridge per connected runtime, the
// MCP tools and the HTTP server. Frontends (the CLI, embedders) talk to
// Engine and never wire lower-level packages themselves.
package engine
