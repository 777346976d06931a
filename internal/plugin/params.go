package plugin

import "fmt"

// validateParams checks operation parameters before the call reaches a
// plugin. Messages mention the offending parameter by name so callers can
// tell a bad request apart from a runtime failure.
func validateParams(operation string, params map[string]any) error {
	switch operation {
	case "transfer", "transfer_nft":
		if err := requireString(params, "to"); err != nil {
			return err
		}
		if operation == "transfer" {
			return requirePositiveNumber(params, "amount")
		}
		return requireString(params, "mint")
	case "mint", "burn":
		if err := requireString(params, "mint"); err != nil {
			return err
		}
		return requirePositiveNumber(params, "amount")
	case "create_token":
		if err := requireString(params, "name"); err != nil {
			return err
		}
		return requireString(params, "symbol")
	case "get_balance", "get_token_info":
		return requireString(params, "mint")
	case "swap":
		if err := requireString(params, "input_mint"); err != nil {
			return err
		}
		if err := requireString(params, "output_mint"); err != nil {
			return err
		}
		return requirePositiveNumber(params, "amount")
	case "get_quote", "get_route":
		if err := requireString(params, "input_mint"); err != nil {
			return err
		}
		return requireString(params, "output_mint")
	case "lend", "borrow", "repay", "withdraw":
		if err := requireString(params, "asset"); err != nil {
			return err
		}
		return requirePositiveNumber(params, "amount")
	case "get_apy":
		return requireString(params, "asset")
	case "mint_nft":
		if err := requireString(params, "name"); err != nil {
			return err
		}
		return requireString(params, "uri")
	case "list_nft":
		if err := requireString(params, "mint"); err != nil {
			return err
		}
		return requirePositiveNumber(params, "price")
	case "get_nft_metadata":
		return requireString(params, "mint")
	}
	// Unknown operations pass through; the capability gate decides whether
	// any plugin claims them.
	return nil
}

func requireString(params map[string]any, key string) error {
	v, ok := params[key]
	if !ok {
		return fmt.Errorf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return fmt.Errorf("invalid parameter %q: expected non-empty string", key)
	}
	return nil
}

func requirePositiveNumber(params map[string]any, key string) error {
	v, ok := params[key]
	if !ok {
		return fmt.Errorf("missing required parameter %q", key)
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return fmt.Errorf("invalid parameter %q: expected number", key)
	}
	if f <= 0 {
		return fmt.Errorf("invalid parameter %q: must be positive", key)
	}
	return nil
}
