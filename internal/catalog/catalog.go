// Package catalog loads declarative biomarker catalogs (TOML or YAML)
// and applies them to the store. A catalog lists definitions with
// optional reference ranges; applying one only ever adds what is
// missing, so it is safe to re-apply.
package catalog

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	mederrors "medidash/internal/errors"
	"medidash/internal/storage"
)

//go:embed default_catalog.toml
var defaultCatalog []byte

// Catalog is a declarative list of biomarker definitions. TOML files
// use one `[[biomarker]]` table per entry; YAML files use a
// `biomarkers:` list.
type Catalog struct {
	Biomarkers []Entry `toml:"biomarker" yaml:"biomarkers"`
}

// Entry defines one biomarker and its optional reference range.
type Entry struct {
	Name     string     `toml:"name" yaml:"name"`
	Unit     string     `toml:"unit" yaml:"unit"`
	Category string     `toml:"category" yaml:"category"`
	Range    *RangeSpec `toml:"range" yaml:"range"`
}

// RangeSpec mirrors the reference-range shape: kind below/above/between
// with the bounds the kind requires.
type RangeSpec struct {
	Kind  string   `toml:"kind" yaml:"kind"`
	Lower *float64 `toml:"lower" yaml:"lower"`
	Upper *float64 `toml:"upper" yaml:"upper"`
}

// Default returns the embedded starter catalog of common biomarkers.
func Default() (*Catalog, error) {
	var c Catalog
	if err := toml.Unmarshal(defaultCatalog, &c); err != nil {
		return nil, fmt.Errorf("failed to parse embedded catalog: %w", err)
	}
	return &c, nil
}

// Load reads a catalog file. The format follows the extension:
// .toml, .yaml or .yml.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mederrors.IOf(err, "cannot read catalog %s", path)
	}

	var c Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &c); err != nil {
			return nil, mederrors.Validationf("invalid catalog %s: %v", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, mederrors.Validationf("invalid catalog %s: %v", path, err)
		}
	default:
		return nil, mederrors.Validationf("unsupported catalog format %q (use .toml, .yaml or .yml)", filepath.Ext(path))
	}
	return &c, nil
}

// Report summarizes an Apply run.
type Report struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// Apply inserts catalog biomarkers whose names are not yet defined,
// comparing names the same case-insensitive way the store does.
// Existing definitions are never mutated, and catalog ranges attach
// only to biomarkers this call inserted.
func Apply(db *storage.DB, c *Catalog, logger *slog.Logger) (*Report, error) {
	biomarkers := storage.NewBiomarkerRepository(db)
	ranges := storage.NewRangeRepository(db)

	report := &Report{}
	for _, entry := range c.Biomarkers {
		existing, err := biomarkers.GetByName(strings.TrimSpace(entry.Name))
		if err != nil {
			return report, err
		}
		if existing != nil {
			report.Skipped++
			continue
		}

		created, err := biomarkers.Add(entry.Name, entry.Unit, entry.Category)
		if err != nil {
			// Lost a race with a concurrent writer: the name exists
			// now, which is exactly the skip condition.
			if mederrors.IsCode(err, mederrors.Conflict) {
				report.Skipped++
				continue
			}
			return report, err
		}
		report.Added++

		if entry.Range != nil {
			_, err := ranges.Set(created.ID, storage.RangeKind(entry.Range.Kind), entry.Range.Lower, entry.Range.Upper)
			if err != nil {
				return report, fmt.Errorf("catalog range for %q: %w", entry.Name, err)
			}
		}
	}

	logger.Info("Catalog applied", "added", report.Added, "skipped", report.Skipped)
	return report, nil
}
