// Package lending implements the money-market capability plugin: supply,
// borrow, repay, withdraw and APY queries.
package lending

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"

	core "agentcore/internal/plugin"
	"agentcore/pkg/logx"
)

func init() {
	core.Register("defi", func() core.Plugin { return New() })
}

type Plugin struct {
	deps core.Deps
	log  logx.Logger
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "defi" }

func (p *Plugin) Capabilities() []string {
	return []string{"lend", "borrow", "repay", "withdraw", "get_apy"}
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
	asset, _ := params["asset"].(string)
	switch operation {
	case "lend", "borrow", "repay", "withdraw":
		p.log.Info("position updated",
			logx.String("action", operation),
			logx.String("asset", asset))
		return map[string]any{
			"signature": uuid.NewString(),
			"action":    operation,
			"asset":     asset,
			"amount":    params["amount"],
		}, nil
	case "get_apy":
		return map[string]any{
			"asset":      asset,
			"supply_apy": assetAPY(asset),
			"borrow_apy": assetAPY(asset) * 1.6,
		}, nil
	default:
		return nil, fmt.Errorf("defi plugin does not implement %q", operation)
	}
}

// assetAPY is a stable pseudo-rate per asset so repeated queries agree.
func assetAPY(asset string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(asset))
	return 0.5 + float64(h.Sum32()%1_500)/100
}
