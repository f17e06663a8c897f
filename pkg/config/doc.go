// Package config loads declared resource graphs from HCL files and
// workspace settings from .loom.yaml. Resource arguments are kept as
// unevaluated expressions so the engine can resolve cross-resource
// references lazily during apply.
package config
