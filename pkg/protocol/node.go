// Package protocol defines the interfaces and contracts for pluggable nodes.
package protocol

import (
	"github.com/dukex/reactor/pkg/models"
)

// Node is a catalog entry. A node is either a Trigger or an Action.
type Node interface {
	// Definition returns the immutable description of the node: id, labels and fields.
	Definition() models.NodeDefinition
}
