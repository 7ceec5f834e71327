package entitlement

import (
	"regexp"
	"strconv"

	"github.com/digkill/TGDeckBot/internal/models"
)

// Digits closest before "presentation(s)": "deck_3_presentations",
// "Access 50 AI-powered presentations".
var unitsPattern = regexp.MustCompile(`(?i)(\d+)\D{0,40}?presentations?`)

// LegacyUnits covers products whose metadata never mentioned a count.
var LegacyUnits = map[string]int{
	"starter_pack":    5,
	"pro_pack":        25,
	"premium_monthly": 30,
}

// CreditableUnits derives how many units a product grants: the product id,
// then the title, then the description, then LegacyUnits, else zero.
func CreditableUnits(p models.Product) int {
	return creditableUnits(p, LegacyUnits)
}

func creditableUnits(p models.Product, legacy map[string]int) int {
	for _, text := range []string{p.ID, p.Title, p.Description} {
		if n, ok := unitsIn(text); ok {
			return n
		}
	}
	return legacy[p.ID]
}

func unitsIn(text string) (int, bool) {
	m := unitsPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
