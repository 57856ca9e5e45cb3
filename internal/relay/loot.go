package relay

// Raid rewards roll a random non-weapon equipment piece. Weapons come from
// the upload/equipment flow, never from raid drops.

var lootSlots = []string{"head", "chest", "legs", "feet", "ring", "amulet"}

var lootBaseNames = map[string][]string{
	"head":   {"Helm", "Visor", "Hood", "Circlet"},
	"chest":  {"Cuirass", "Vest", "Harness", "Plate"},
	"legs":   {"Greaves", "Leggings", "Waders"},
	"feet":   {"Boots", "Treads", "Sabatons"},
	"ring":   {"Band", "Loop", "Signet"},
	"amulet": {"Charm", "Pendant", "Talisman"},
}

var lootPrefixes = []string{
	"Rusted", "Sturdy", "Gleaming", "Ancient", "Volatile", "Warded", "Feral",
}

var lootStatNames = []string{"power", "vitality", "agility", "focus", "luck"}

var lootAbilities = []string{
	"thorns", "lifesteal", "swiftness", "ironskin", "scavenger",
}

// randomLoot rolls one reward: a uniformly chosen non-weapon slot, a name,
// 1-3 distinct stat rolls, and sometimes an ability.
func (s *Server) randomLoot() Loot {
	slot := lootSlots[s.rng.Intn(len(lootSlots))]
	bases := lootBaseNames[slot]

	loot := Loot{
		Slot: slot,
		Name: lootPrefixes[s.rng.Intn(len(lootPrefixes))] + " " + bases[s.rng.Intn(len(bases))],
	}

	statCount := 1 + s.rng.Intn(3)
	picked := s.rng.Perm(len(lootStatNames))[:statCount]
	for _, i := range picked {
		loot.Stats = append(loot.Stats, StatRoll{
			Name:  lootStatNames[i],
			Value: 1 + s.rng.Intn(8),
		})
	}

	if s.rng.Intn(4) == 0 {
		loot.Ability = lootAbilities[s.rng.Intn(len(lootAbilities))]
	}
	return loot
}
