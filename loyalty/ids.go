package loyalty

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// =============================================================================
// ID GENERATION
// =============================================================================

// IDGenerator produces identifiers for every ledger record.
//
//   - Lots:        snowflake ids, monotonic per node, so id order follows
//                  grant order and breaks expiry ties deterministically
//   - Customers:   UUIDv4
//   - Redemptions: UUIDv4
//   - Purchases:   prefix + random digits (the receipt format). These can
//                  collide; the store's primary key rejects duplicates and
//                  the caller retries with a fresh token.
type IDGenerator struct {
	node   *snowflake.Node
	prefix string
	floor  *big.Int
	span   *big.Int
}

// NewIDGenerator creates a generator for the given snowflake node (0-1023).
func NewIDGenerator(nodeID int64, program Program) (*IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	// Tokens use exactly TokenDigits digits: [10^(d-1), 10^d).
	floor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(program.TokenDigits-1)), nil)
	ceil := new(big.Int).Mul(floor, big.NewInt(10))
	return &IDGenerator{
		node:   node,
		prefix: program.TokenPrefix,
		floor:  floor,
		span:   new(big.Int).Sub(ceil, floor),
	}, nil
}

func (g *IDGenerator) LotID() LotID {
	return LotID(g.node.Generate().Int64())
}

func (g *IDGenerator) CustomerID() CustomerID {
	return CustomerID(uuid.NewString())
}

func (g *IDGenerator) RedemptionID() RedemptionID {
	return RedemptionID(uuid.NewString())
}

// PurchaseToken returns a candidate purchase id. Uniqueness is enforced by
// the store, not here.
func (g *IDGenerator) PurchaseToken() (PurchaseID, error) {
	n, err := rand.Int(rand.Reader, g.span)
	if err != nil {
		return "", fmt.Errorf("purchase token: %w", err)
	}
	n.Add(n, g.floor)
	return PurchaseID(g.prefix + n.String()), nil
}
