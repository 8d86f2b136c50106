package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/transfa/rewards-service/internal/domain"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Items []domain.RewardItem `yaml:"items"`
}

// ParseCatalog decodes and validates a YAML catalog document.
func ParseCatalog(r io.Reader) ([]domain.RewardItem, error) {
	var doc catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Items))
	for i, item := range doc.Items {
		id := strings.TrimSpace(item.ID)
		switch {
		case id == "":
			return nil, fmt.Errorf("catalog item %d: id is required", i)
		case strings.TrimSpace(item.Name) == "":
			return nil, fmt.Errorf("catalog item %s: name is required", id)
		case item.Cost <= 0:
			return nil, fmt.Errorf("catalog item %s: cost must be positive", id)
		case item.Stock < 0:
			return nil, fmt.Errorf("catalog item %s: stock must not be negative", id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("catalog item %s: duplicate id", id)
		}
		seen[id] = struct{}{}
		doc.Items[i].ID = id
	}
	return doc.Items, nil
}

// LoadCatalogFile reads a catalog seed from disk.
func LoadCatalogFile(path string) ([]domain.RewardItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog seed: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// SeedCatalog upserts every item and returns how many were written. Items that already
// exist keep their current stock.
func SeedCatalog(ctx context.Context, repo CatalogRepository, items []domain.RewardItem) (int, error) {
	for i, item := range items {
		if err := repo.UpsertRewardItem(ctx, item); err != nil {
			return i, err
		}
	}
	return len(items), nil
}
