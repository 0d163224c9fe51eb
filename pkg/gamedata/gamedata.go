// Package gamedata annotates resolved items with static catalog metadata:
// weapon and finish names, rarity/quality/origin labels and wear buckets.
package gamedata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/salat-23/item-inspect/pkg/item"
)

type weaponDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type paintDef struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

type catalogDoc struct {
	Weapons   map[string]weaponDef `json:"weapons"`
	Paints    map[string]paintDef  `json:"paints"`
	Rarities  map[string]string    `json:"rarities"`
	Qualities map[string]string    `json:"qualities"`
	Origins   map[string]string    `json:"origins"`
}

// wear buckets by lower bound, coarsest last
var wearNames = []struct {
	max  float64
	name string
}{
	{0.07, "Factory New"},
	{0.15, "Minimal Wear"},
	{0.38, "Field-Tested"},
	{0.45, "Well-Worn"},
	{1.01, "Battle-Scarred"},
}

// Catalog serves lookups from a JSON catalog file, optionally reloaded on
// an interval so freshly shipped finishes appear without a restart.
type Catalog struct {
	path string
	log  *zap.Logger

	mu  sync.RWMutex
	doc catalogDoc
}

// Load reads the catalog file once. A missing file yields an empty
// catalog: items still resolve, just without presentation fields.
func Load(path string, log *zap.Logger) (*Catalog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Catalog{path: path, log: log}
	if err := c.reload(); err != nil {
		if os.IsNotExist(err) {
			log.Warn("game data catalog missing, enrichment disabled", zap.String("path", path))
			return c, nil
		}
		return nil, err
	}
	return c, nil
}

// Run reloads the catalog on every interval tick until ctx is cancelled.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := c.reload(); err != nil {
					c.log.Warn("catalog reload failed", zap.Error(err))
				}
			}
		}
	}()
}

func (c *Catalog) reload() error {
	buf, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var doc catalogDoc
	if err := json.Unmarshal(buf, &doc); err != nil {
		return fmt.Errorf("parse catalog %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.doc = doc
	c.mu.Unlock()
	c.log.Info("game data catalog loaded",
		zap.Int("weapons", len(doc.Weapons)), zap.Int("paints", len(doc.Paints)))
	return nil
}

// AddAdditionalItemProperties fills the presentation fields in place.
// Unknown indexes leave their fields empty rather than failing the item.
func (c *Catalog) AddAdditionalItemProperties(it *item.Info) {
	c.mu.RLock()
	doc := c.doc
	c.mu.RUnlock()

	if w, ok := doc.Weapons[itoa(it.DefIndex)]; ok {
		it.WeaponType = w.Type
		if it.WeaponType == "" {
			it.WeaponType = w.Name
		}
		it.FullItemName = w.Name
	}
	if p, ok := doc.Paints[itoa(it.PaintIndex)]; ok {
		it.ItemName = p.Name
		it.MinWear = p.Min
		it.MaxWear = p.Max
	}
	it.RarityName = doc.Rarities[itoa(it.Rarity)]
	it.QualityName = doc.Qualities[itoa(it.Quality)]
	it.OriginName = doc.Origins[itoa(it.Origin)]
	it.WearName = WearName(it.PaintWear)

	it.FullItemName = composeFullName(it)
}

// WearName buckets a float into its exterior label.
func WearName(wear float64) string {
	if wear <= 0 {
		return ""
	}
	for _, w := range wearNames {
		if wear < w.max {
			return w.name
		}
	}
	return ""
}

func composeFullName(it *item.Info) string {
	weapon := it.FullItemName
	if weapon == "" {
		return ""
	}
	name := weapon
	if it.IsStatTrak() {
		name = "StatTrak™ " + name
	}
	if it.ItemName != "" {
		name += " | " + it.ItemName
	}
	if it.WearName != "" {
		name += " (" + it.WearName + ")"
	}
	return name
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
