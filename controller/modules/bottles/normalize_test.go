package bottles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	for in, want := range map[string]string{
		"Gin":              "gin",
		"  Tonic  Water ":  "tonic_water",
		"Rum (Weiß)":       "rum_weiss",
		"Pfirsichlikör":    "pfirsichlikoer",
		"Grüner Tee":       "gruener_tee",
		"Orangensaft\tBio": "orangensaft_bio",
	} {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestResolver(t *testing.T) {
	r, err := NewResolver(map[string]string{
		"Lime Juice":      "Limettensaft",
		"lemon juice":     "limettensaft",
		"Cranberry Juice": "cranberrysaft",
		"gin":             "Gin",
	})
	require.NoError(t, err)
	assert.Equal(t, "limettensaft", r.BottleID("lime juice"))
	assert.Equal(t, "limettensaft", r.BottleID("LEMON  JUICE"))
	assert.Equal(t, "gin", r.BottleID("Gin"))
	assert.Equal(t, "vodka", r.BottleID("Vodka"))

	var none *Resolver
	assert.Equal(t, "tonic_water", none.BottleID("Tonic Water"))
}

func TestResolverRejects(t *testing.T) {
	_, err := NewResolver(map[string]string{
		"Lime Juice": "limettensaft",
		"lime juice": "zitronensaft",
	})
	assert.Error(t, err, "ambiguous alias")

	_, err = NewResolver(map[string]string{
		"lime":       "lime juice",
		"lime juice": "limettensaft",
	})
	assert.Error(t, err, "alias chain")

	_, err = NewResolver(map[string]string{"()": "gin"})
	assert.Error(t, err, "empty key")
}
