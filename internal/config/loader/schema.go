package loader

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Parameter schemas per strategy family. Schemas only pin the shape the
// controllers cannot tolerate getting wrong; controller constructors still
// own the semantic checks (ranges, cross-field rules).
var paramSchemas = map[string]map[string]any{
	"grid": {
		"type":     "object",
		"required": []any{"instrument", "levels", "investment"},
		"properties": map[string]any{
			"instrument":          map[string]any{"type": "string"},
			"direction":           map[string]any{"type": "integer"},
			"levels":              map[string]any{"type": "integer"},
			"spacing_abs":         map[string]any{"type": "number"},
			"spacing_pct":         map[string]any{"type": "number"},
			"investment":          map[string]any{"type": "number"},
			"trail_pct":           map[string]any{"type": "number"},
			"tp_multiplier":       map[string]any{"type": "number"},
			"at_mid":              map[string]any{"enum": []any{"buy", "sell", "skip"}},
			"stale_steps":         map[string]any{"type": "integer"},
			"max_orders_per_tick": map[string]any{"type": "integer"},
		},
	},
	"cashcarry": {
		"type":     "object",
		"required": []any{"spot_instrument", "perp_instrument", "investment"},
		"properties": map[string]any{
			"spot_instrument":  map[string]any{"type": "string"},
			"perp_instrument":  map[string]any{"type": "string"},
			"investment":       map[string]any{"type": "number"},
			"slippage_pct":     map[string]any{"type": "number"},
			"min_funding_rate": map[string]any{"type": "number"},
			"unwind":           map[string]any{"type": "boolean"},
		},
	},
	"twap": {
		"type":     "object",
		"required": []any{"instrument", "side", "total_quantity", "periods"},
		"properties": map[string]any{
			"instrument":     map[string]any{"type": "string"},
			"side":           map[string]any{"enum": []any{"buy", "sell"}},
			"total_quantity":  map[string]any{"type": "number"},
			"periods":         map[string]any{"type": "integer"},
			"slippage_pct":    map[string]any{"type": "number"},
			"market_fallback": map[string]any{"type": "boolean"},
		},
	},
	"range": {
		"type":     "object",
		"required": []any{"instrument", "lower", "upper", "levels", "max_position"},
		"properties": map[string]any{
			"instrument":          map[string]any{"type": "string"},
			"lower":               map[string]any{"type": "number"},
			"upper":               map[string]any{"type": "number"},
			"levels":              map[string]any{"type": "integer"},
			"max_position":        map[string]any{"type": "number"},
			"max_orders_per_tick": map[string]any{"type": "integer"},
		},
	},
	"emac": {
		"type":     "object",
		"required": []any{"instrument", "trade_pct"},
		"properties": map[string]any{
			"instrument":     map[string]any{"type": "string"},
			"interval":       map[string]any{"type": "string"},
			"fast_period":    map[string]any{"type": "integer"},
			"slow_period":    map[string]any{"type": "integer"},
			"trend_period":   map[string]any{"type": "integer"},
			"atr_period":     map[string]any{"type": "integer"},
			"atr_multiplier": map[string]any{"type": "number"},
			"trade_pct":      map[string]any{"type": "number"},
			"slippage_pct":   map[string]any{"type": "number"},
		},
	},
}

var (
	schemaOnce     sync.Once
	compiledParams map[string]*jsonschema.Schema
	schemaErr      error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledParams = make(map[string]*jsonschema.Schema, len(paramSchemas))
		for typ, data := range paramSchemas {
			s, err := compileSchema(data)
			if err != nil {
				schemaErr = fmt.Errorf("compiling %s schema: %w", typ, err)
				return
			}
			compiledParams[typ] = s
		}
	})
	return compiledParams, schemaErr
}

// ValidateParams checks a deployment's params against the family schema.
func ValidateParams(typ string, params map[string]any) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	s, ok := schemas[typ]
	if !ok {
		return fmt.Errorf("unknown strategy type %q", typ)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := s.Validate(normalizeJSON(params)); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// normalizeJSON round-trips the params through encoding/json so the validator
// sees the same scalar types a JSON document would carry (yaml decodes
// integers as int, jsonschema expects json.Number/float64).
func normalizeJSON(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return params
	}
	return out
}
