package gamedata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/salat-23/item-inspect/pkg/item"
)

const testCatalog = `{
  "weapons":   {"7": {"name": "AK-47", "type": "Rifle"}},
  "paints":    {"44": {"name": "Case Hardened", "min": 0.0, "max": 1.0}},
  "rarities":  {"6": "Covert"},
  "qualities": {"4": "Unique"},
  "origins":   {"8": "Found in Crate"}
}`

func writeCatalog(t *testing.T, body string) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game_data.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	c, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return c
}

func TestEnrichment(t *testing.T) {
	c := writeCatalog(t, testCatalog)
	it := &item.Info{DefIndex: 7, PaintIndex: 44, Rarity: 6, Quality: 4, Origin: 8, PaintWear: 0.22}
	c.AddAdditionalItemProperties(it)

	if it.WeaponType != "Rifle" || it.ItemName != "Case Hardened" {
		t.Fatalf("catalog fields not applied: %+v", it)
	}
	if it.WearName != "Field-Tested" {
		t.Fatalf("wear name = %q", it.WearName)
	}
	if it.FullItemName != "AK-47 | Case Hardened (Field-Tested)" {
		t.Fatalf("full name = %q", it.FullItemName)
	}
	if it.RarityName != "Covert" || it.QualityName != "Unique" || it.OriginName != "Found in Crate" {
		t.Fatalf("label fields not applied: %+v", it)
	}
	if it.MaxWear != 1.0 {
		t.Fatalf("wear range not applied: %+v", it)
	}
}

func TestStatTrakName(t *testing.T) {
	c := writeCatalog(t, testCatalog)
	kills := 250
	it := &item.Info{DefIndex: 7, PaintIndex: 44, PaintWear: 0.01, KillEaterValue: &kills}
	c.AddAdditionalItemProperties(it)
	if it.FullItemName != "StatTrak™ AK-47 | Case Hardened (Factory New)" {
		t.Fatalf("full name = %q", it.FullItemName)
	}
}

func TestUnknownIndexesLeaveFieldsEmpty(t *testing.T) {
	c := writeCatalog(t, testCatalog)
	it := &item.Info{DefIndex: 999, PaintIndex: 999, PaintWear: 0.5}
	c.AddAdditionalItemProperties(it)
	if it.FullItemName != "" || it.ItemName != "" {
		t.Fatalf("unknown indexes produced names: %+v", it)
	}
	if it.WearName != "Battle-Scarred" {
		t.Fatalf("wear bucket missing: %q", it.WearName)
	}
}

func TestMissingCatalogIsNotFatal(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.json"), nil)
	if err != nil {
		t.Fatalf("missing catalog must not fail load: %v", err)
	}
	it := &item.Info{DefIndex: 7, PaintWear: 0.05}
	c.AddAdditionalItemProperties(it)
	if it.WearName != "Factory New" {
		t.Fatalf("wear naming must work without a catalog")
	}
}

func TestWearNameBuckets(t *testing.T) {
	cases := map[float64]string{
		0.01: "Factory New",
		0.07: "Minimal Wear",
		0.30: "Field-Tested",
		0.40: "Well-Worn",
		0.90: "Battle-Scarred",
		0:    "",
	}
	for wear, want := range cases {
		if got := WearName(wear); got != want {
			t.Fatalf("WearName(%v) = %q, want %q", wear, got, want)
		}
	}
}
