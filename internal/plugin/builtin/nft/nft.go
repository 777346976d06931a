// Package nft implements the NFT capability plugin: minting, transfers,
// listings and metadata queries.
package nft

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"

	core "agentcore/internal/plugin"
	"agentcore/pkg/logx"
)

func init() {
	core.Register("nft", func() core.Plugin { return New() })
}

type Plugin struct {
	deps core.Deps
	log  logx.Logger
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "nft" }

func (p *Plugin) Capabilities() []string {
	return []string{"mint_nft", "transfer_nft", "list_nft", "get_nft_metadata"}
}

func (p *Plugin) Init(ctx context.Context, deps core.Deps) error {
	p.deps = deps
	p.log = deps.Logger.With(logx.String("plugin", p.Name()))
	return nil
}

func (p *Plugin) Close(ctx context.Context) error { return nil }

func (p *Plugin) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch operation {
	case "mint_nft":
		mint := uuid.NewString()
		p.log.Info("nft minted", logx.String("mint", mint), logx.Any("name", params["name"]))
		return map[string]any{
			"signature": uuid.NewString(),
			"mint":      mint,
			"name":      params["name"],
			"uri":       params["uri"],
		}, nil
	case "transfer_nft":
		return map[string]any{
			"signature": uuid.NewString(),
			"mint":      params["mint"],
			"to":        params["to"],
		}, nil
	case "list_nft":
		return map[string]any{
			"signature": uuid.NewString(),
			"mint":      params["mint"],
			"price":     params["price"],
			"listed":    true,
		}, nil
	case "get_nft_metadata":
		mint, _ := params["mint"].(string)
		return map[string]any{
			"mint":       mint,
			"name":       "NFT " + shortID(mint),
			"uri":        "https://arweave.net/" + shortID(mint),
			"royalty_bp": royaltyBP(mint),
		}, nil
	default:
		return nil, fmt.Errorf("nft plugin does not implement %q", operation)
	}
}

// royaltyBP is a stable pseudo-royalty per mint so repeated queries agree.
func royaltyBP(mint string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(mint))
	return int(h.Sum32() % 1000)
}

func shortID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
