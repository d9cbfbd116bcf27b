package mdbframe

// CoinTypeTable maps a coin-type index (0..15) to its denomination in
// minor units, discovered from the device's COIN TYPE response during
// controller init (spec §9: discovery is mandated, a hard-coded table is
// legacy-compat only).
type CoinTypeTable struct {
	denomByType map[int]int
	typeByDenom map[int]int
}

// NewCoinTypeTableFromConfig builds a CoinTypeTable from a decoded
// CoinTypeConfig: denomination = credit * scaling for every present slot.
func NewCoinTypeTableFromConfig(cfg CoinTypeConfig) CoinTypeTable {
	t := CoinTypeTable{denomByType: map[int]int{}, typeByDenom: map[int]int{}}
	for idx, credit := range cfg.Credits {
		if credit == 0 {
			continue
		}
		denom := credit * cfg.ScalingFactor
		t.denomByType[idx] = denom
		t.typeByDenom[denom] = idx
	}
	return t
}

// NewLegacyCoinTypeTable builds the hard-coded legacy compatibility table.
// The legacy types 16..21 (10, 20, 50, 100, 200, 500) are out of range for
// this codec's 0..15 index table, so they are expressed here as indices
// 0..5, the same index space as the discovered table.
func NewLegacyCoinTypeTable() CoinTypeTable {
	legacy := map[int]int{
		0: 10, 1: 20, 2: 50, 3: 100, 4: 200, 5: 500,
	}
	t := CoinTypeTable{denomByType: map[int]int{}, typeByDenom: map[int]int{}}
	for idx, denom := range legacy {
		t.denomByType[idx] = denom
		t.typeByDenom[denom] = idx
	}
	return t
}

// Denomination returns the denomination for typeIndex and whether it is
// present in the table. A coin frame referencing an index outside the
// table must be logged and dropped, never credited (spec §3).
func (t CoinTypeTable) Denomination(typeIndex int) (int, bool) {
	d, ok := t.denomByType[typeIndex]
	return d, ok
}

// TypeIndex returns the coin-type index for a denomination, used to build
// the R,0D,<PP> payout command.
func (t CoinTypeTable) TypeIndex(denom int) (int, bool) {
	idx, ok := t.typeByDenom[denom]
	return idx, ok
}

// Denominations returns every denomination known to the table.
func (t CoinTypeTable) Denominations() []int {
	out := make([]int, 0, len(t.typeByDenom))
	for d := range t.typeByDenom {
		out = append(out, d)
	}
	return out
}

// BillTable is the fixed ordered list of banknote denominations indexed
// 0..5 (spec §3). A bill frame whose type index exceeds the table is
// dropped.
type BillTable struct {
	denoms []int
}

// NewBillTable builds a BillTable from an ordered denomination list.
func NewBillTable(denoms []int) BillTable {
	cp := make([]int, len(denoms))
	copy(cp, denoms)
	return BillTable{denoms: cp}
}

// Size returns the number of configured bill types.
func (t BillTable) Size() int { return len(t.denoms) }

// Denomination returns the denomination for typeIndex and whether it is
// in range.
func (t BillTable) Denomination(typeIndex int) (int, bool) {
	if typeIndex < 0 || typeIndex >= len(t.denoms) {
		return 0, false
	}
	return t.denoms[typeIndex], true
}
