/*
Package factory provides JSON to Go loyalty program conversion.

PURPOSE:
  Converts JSON program definitions into loyalty.Program values. The
  earning ratio and validity window can be changed per deployment without
  code changes.

JSON SCHEMA:
  {
    "points_per_unit": "1",
    "validity_months": 12,
    "token_prefix": "RL",
    "token_digits": 6,
    "max_id_attempts": 100,
    "max_conflict_retries": 3
  }

  Every field is optional; omitted fields take the DefaultProgram value.
  points_per_unit is a decimal string so ratios like "0.5" stay exact.

USAGE:
  program, err := factory.LoadProgramFile("./program.json")

  // Or from a JSON string
  program, err := factory.ParseProgram(`{"points_per_unit": "2"}`)

SEE ALSO:
  - loyalty/program.go: Program type definition
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/warp/fuel-loyalty/loyalty"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProgramJSON is the JSON representation of a program.
type ProgramJSON struct {
	PointsPerUnit      *decimal.Decimal `json:"points_per_unit,omitempty"`
	ValidityMonths     *int             `json:"validity_months,omitempty"`
	TokenPrefix        *string          `json:"token_prefix,omitempty"`
	TokenDigits        *int             `json:"token_digits,omitempty"`
	MaxIDAttempts      *int             `json:"max_id_attempts,omitempty"`
	MaxConflictRetries *int             `json:"max_conflict_retries,omitempty"`
}

// =============================================================================
// PROGRAM FACTORY
// =============================================================================

// ParseProgram parses a JSON string into a validated Program.
func ParseProgram(jsonStr string) (loyalty.Program, error) {
	var pj ProgramJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return loyalty.Program{}, fmt.Errorf("failed to parse program JSON: %w", err)
	}
	return FromJSON(pj)
}

// LoadProgramFile reads and parses a program definition. An empty path
// yields the default program.
func LoadProgramFile(path string) (loyalty.Program, error) {
	if path == "" {
		return loyalty.DefaultProgram(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return loyalty.Program{}, fmt.Errorf("failed to read program file: %w", err)
	}
	return ParseProgram(string(data))
}

// FromJSON overlays pj on the default program and validates the result.
func FromJSON(pj ProgramJSON) (loyalty.Program, error) {
	p := loyalty.DefaultProgram()
	if pj.PointsPerUnit != nil {
		p.PointsPerUnit = *pj.PointsPerUnit
	}
	if pj.ValidityMonths != nil {
		p.ValidityMonths = *pj.ValidityMonths
	}
	if pj.TokenPrefix != nil {
		p.TokenPrefix = *pj.TokenPrefix
	}
	if pj.TokenDigits != nil {
		p.TokenDigits = *pj.TokenDigits
	}
	if pj.MaxIDAttempts != nil {
		p.MaxIDAttempts = *pj.MaxIDAttempts
	}
	if pj.MaxConflictRetries != nil {
		p.MaxConflictRetries = *pj.MaxConflictRetries
	}
	if err := p.Validate(); err != nil {
		return loyalty.Program{}, err
	}
	return p, nil
}

// ToJSON converts a Program to ProgramJSON with every field set.
func ToJSON(p loyalty.Program) ProgramJSON {
	ratio := p.PointsPerUnit
	return ProgramJSON{
		PointsPerUnit:      &ratio,
		ValidityMonths:     &p.ValidityMonths,
		TokenPrefix:        &p.TokenPrefix,
		TokenDigits:        &p.TokenDigits,
		MaxIDAttempts:      &p.MaxIDAttempts,
		MaxConflictRetries: &p.MaxConflictRetries,
	}
}
