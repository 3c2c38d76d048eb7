// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/reactor/pkg/nodes"
	"github.com/dukex/reactor/pkg/registry"
)

// NewRegistry registers the built-in nodes, then every plugin found under pluginsPath.
func NewRegistry(logger *slog.Logger, pluginsPath string, options nodes.Options) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	for _, node := range nodes.Builtin(options) {
		if err := reg.Register(node); err != nil {
			return nil, err
		}
	}

	if pluginsPath != "" {
		if err := reg.LoadPlugins(pluginsPath); err != nil {
			return nil, fmt.Errorf("failed to load plugins: %w", err)
		}
	}

	return reg, nil
}
