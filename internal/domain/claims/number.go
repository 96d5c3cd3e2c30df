package claims

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// NumberGenerator issues human-facing claim numbers.
type NumberGenerator interface {
	Next() string
}

// SnowflakeNumbers issues time-ordered claim numbers that stay unique across
// server instances as long as each instance has its own node id.
type SnowflakeNumbers struct {
	node   *snowflake.Node
	prefix string
}

func NewSnowflakeNumbers(nodeID int64) (*SnowflakeNumbers, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node %d: %w", nodeID, err)
	}
	return &SnowflakeNumbers{node: node, prefix: "CLM-"}, nil
}

func (g *SnowflakeNumbers) Next() string {
	return g.prefix + g.node.Generate().String()
}
