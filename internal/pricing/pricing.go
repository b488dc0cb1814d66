// Package pricing converts a generation request into a credit cost.
//
// One credit is worth one US cent. Per-image prices carry a buffer over the
// provider's list price so each image nets a small margin.
package pricing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnsupportedModel = errors.New("unsupported model")

// Size is a normalized output resolution.
type Size string

const (
	SizeAuto Size = "AUTO"
	Size1K   Size = "1K"
	Size2K   Size = "2K"
	Size4K   Size = "4K"
)

const (
	MinCandidates = 1
	MaxCandidates = 4
)

// Table maps model -> size -> credits per image.
type Table map[string]map[Size]int64

// DefaultTable is used when no pricing file is configured.
func DefaultTable() Table {
	return Table{
		"gemini-2.5-flash-image": {
			SizeAuto: 6,
		},
		"gemini-3-pro-image-preview": {
			SizeAuto: 18, // unspecified size is billed as 2K
			Size1K:   18,
			Size2K:   18,
			Size4K:   30,
		},
	}
}

// Quote is the priced form of a request.
type Quote struct {
	PerImage       int64
	Total          int64
	Size           Size
	CandidateCount int
}

type Calculator struct {
	table Table
}

func NewCalculator(table Table) *Calculator {
	return &Calculator{table: table}
}

// Quote prices candidateCount images of model at size. It has no side effects.
func (c *Calculator) Quote(model, size string, candidateCount int) (Quote, error) {
	prices, ok := c.table[model]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}

	n := ClampCandidates(candidateCount)
	s := NormalizeSize(size)

	perImage, ok := prices[s]
	if !ok {
		perImage = prices[SizeAuto]
	}

	return Quote{
		PerImage:       perImage,
		Total:          perImage * int64(n),
		Size:           s,
		CandidateCount: n,
	}, nil
}

// Supports reports whether model has a price.
func (c *Calculator) Supports(model string) bool {
	_, ok := c.table[model]
	return ok
}

// NormalizeSize maps anything other than 1K, 2K or 4K to AUTO.
func NormalizeSize(size string) Size {
	switch s := Size(strings.ToUpper(strings.TrimSpace(size))); s {
	case Size1K, Size2K, Size4K:
		return s
	default:
		return SizeAuto
	}
}

// ClampCandidates bounds n to [MinCandidates, MaxCandidates]; zero means one.
func ClampCandidates(n int) int {
	if n < MinCandidates {
		return MinCandidates
	}
	if n > MaxCandidates {
		return MaxCandidates
	}
	return n
}

type tableFile struct {
	Models map[string]map[string]int64 `yaml:"models"`
}

// LoadTable reads a pricing table from a YAML file of the form
//
//	models:
//	  gemini-2.5-flash-image:
//	    AUTO: 6
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read table: %w", err)
	}

	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("pricing: parse table: %w", err)
	}

	table := make(Table, len(f.Models))
	for model, sizes := range f.Models {
		prices := make(map[Size]int64, len(sizes))
		for raw, credits := range sizes {
			size := Size(strings.ToUpper(strings.TrimSpace(raw)))
			switch size {
			case SizeAuto, Size1K, Size2K, Size4K:
			default:
				return nil, fmt.Errorf("pricing: model %q: unknown size %q", model, raw)
			}
			if credits <= 0 {
				return nil, fmt.Errorf("pricing: model %q size %s: price must be positive", model, size)
			}
			prices[size] = credits
		}
		if _, ok := prices[SizeAuto]; !ok {
			return nil, fmt.Errorf("pricing: model %q: AUTO price is required", model)
		}
		table[model] = prices
	}

	if len(table) == 0 {
		return nil, fmt.Errorf("pricing: table has no models")
	}
	return table, nil
}
