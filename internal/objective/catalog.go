package objective

import (
	"crypto/rand"
	"embed"
	"fmt"
	"io/fs"
	"math/big"
	mrand "math/rand"
	"os"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"

	"github.com/snaphunt/duel-server/internal/duel"
)

//go:embed objectives.yaml
var defaultFiles embed.FS

// Catalog holds the pool of duel objectives. It ships with an embedded
// default set and can be replaced wholesale from an override file, so
// content updates don't require a rebuild.
type Catalog struct {
	mu    sync.RWMutex
	items []duel.Objective
}

type catalogFile struct {
	Objectives []duel.Objective `yaml:"objectives"`
}

// New loads the embedded objectives and then applies the override file if
// provided. The override replaces the whole pool.
func New(overridePath string) (*Catalog, error) {
	c := &Catalog{}

	raw, err := fs.ReadFile(defaultFiles, "objectives.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded objectives: %w", err)
	}
	items, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse embedded objectives: %w", err)
	}
	c.items = items

	if strings.TrimSpace(overridePath) != "" {
		b, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("read objectives override: %w", err)
		}
		items, err := parse(b)
		if err != nil {
			return nil, fmt.Errorf("parse objectives override %s: %w", overridePath, err)
		}
		c.items = items
	}
	return c, nil
}

func parse(b []byte) ([]duel.Objective, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if len(f.Objectives) == 0 {
		return nil, fmt.Errorf("objective catalog is empty")
	}
	for i, o := range f.Objectives {
		if strings.TrimSpace(o.Title) == "" || strings.TrimSpace(o.Target) == "" {
			return nil, fmt.Errorf("objective %d missing title or target", i)
		}
	}
	return f.Objectives, nil
}

// Pick returns a randomly chosen objective. Both duel participants receive
// the same pick because selection happens once, at pairing.
func (c *Catalog) Pick() duel.Objective {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx := 0
	if n := len(c.items); n > 1 {
		if r, err := rand.Int(rand.Reader, big.NewInt(int64(n))); err == nil {
			idx = int(r.Int64())
		} else {
			idx = mrand.Intn(n)
		}
	}
	return c.items[idx]
}

// Len reports the pool size.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
