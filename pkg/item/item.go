// Package item defines the resolved item payload shared by the bot pool,
// the relational cache and the catalog enrichment layer.
package item

// Sticker is one applied sticker slot.
type Sticker struct {
	Slot      int      `json:"slot" cbor:"slot"`
	StickerID int      `json:"sticker_id" cbor:"sticker_id"`
	Wear      *float64 `json:"wear,omitempty" cbor:"wear,omitempty"`
	Scale     *float64 `json:"scale,omitempty" cbor:"scale,omitempty"`
	Rotation  *float64 `json:"rotation,omitempty" cbor:"rotation,omitempty"`
	Name      string   `json:"name,omitempty" cbor:"-"`
}

// Info is the state of one inspected item. The link parameters travel with
// it so callers can correlate results without carrying the Link around.
// Fields filled by catalog enrichment are marked omitempty so that an
// unenriched record serializes without nulls.
type Info struct {
	S string `json:"s" cbor:"s"`
	A string `json:"a" cbor:"a"`
	D string `json:"d" cbor:"d"`
	M string `json:"m" cbor:"m"`

	DefIndex   int     `json:"defindex" cbor:"defindex"`
	PaintIndex int     `json:"paintindex" cbor:"paintindex"`
	Rarity     int     `json:"rarity" cbor:"rarity"`
	Quality    int     `json:"quality" cbor:"quality"`
	PaintSeed  int     `json:"paintseed" cbor:"paintseed"`
	PaintWear  float64 `json:"floatvalue" cbor:"paintwear"`
	Origin     int     `json:"origin" cbor:"origin"`

	KillEaterValue *int   `json:"killeatervalue,omitempty" cbor:"killeatervalue,omitempty"`
	CustomName     string `json:"customname,omitempty" cbor:"customname,omitempty"`

	Stickers []Sticker `json:"stickers" cbor:"stickers"`

	// Cached market price in cents, if a client ever submitted one.
	Price int `json:"price,omitempty" cbor:"-"`

	// Global float ranking, attached only for chart-topping wears.
	LowRank  int `json:"low_rank,omitempty" cbor:"-"`
	HighRank int `json:"high_rank,omitempty" cbor:"-"`

	// Catalog-derived presentation fields.
	ItemName     string  `json:"item_name,omitempty" cbor:"-"`
	WeaponType   string  `json:"weapon_type,omitempty" cbor:"-"`
	WearName     string  `json:"wear_name,omitempty" cbor:"-"`
	FullItemName string  `json:"full_item_name,omitempty" cbor:"-"`
	RarityName   string  `json:"rarity_name,omitempty" cbor:"-"`
	QualityName  string  `json:"quality_name,omitempty" cbor:"-"`
	OriginName   string  `json:"origin_name,omitempty" cbor:"-"`
	MinWear      float64 `json:"min,omitempty" cbor:"-"`
	MaxWear      float64 `json:"max,omitempty" cbor:"-"`
}

// IsStatTrak reports whether the item tracks kills.
func (i *Info) IsStatTrak() bool { return i.KillEaterValue != nil }
