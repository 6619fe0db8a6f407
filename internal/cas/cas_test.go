package cas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"64-17-5", true},    // ethanol
		{"7732-18-5", true},  // water
		{"50-00-0", true},    // formaldehyde
		{"1310-73-2", true},  // sodium hydroxide
		{"7647-14-5", true},  // sodium chloride
		{"64-17-6", false},   // wrong check digit
		{"7732-18-4", false}, // wrong check digit
		{"not-a-cas", false},
		{"", false},
		{"12345678-12-1", false}, // first group too long
		{"64-175-5", false},      // second group too long
		{"64-17-55", false},      // check group too long
		{"64175", false},
		{" 64-17-5", false},
		{"64-17-5 ", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.in))
		})
	}
}

func TestIsValidAny(t *testing.T) {
	assert.True(t, IsValidAny("64-17-5"))
	assert.False(t, IsValidAny(nil))
	assert.False(t, IsValidAny(64175))
	assert.False(t, IsValidAny(3.14))
}

func TestIsValid_ChecksumExhaustive(t *testing.T) {
	// Exactly one check digit is valid for any body.
	for _, body := range []string{"64-17", "7732-18", "1-23", "9999999-99"} {
		valid := 0
		for d := '0'; d <= '9'; d++ {
			if IsValid(body + "-" + string(d)) {
				valid++
			}
		}
		assert.Equal(t, 1, valid, body)
	}
}

func TestFindAll(t *testing.T) {
	got := FindAll([]string{"ethanol", "64-17-5", " 7732-18-5 ", "64-17-5", "64-17-6"})
	assert.Equal(t, []string{"64-17-5", "7732-18-5"}, got)
	assert.Nil(t, FindAll(nil))
}

func TestHazardStatements(t *testing.T) {
	in := "H225: Flüssigkeit und Dampf leicht entzündbar. H319 H301 + H311 H225"
	assert.Equal(t, "H225|H319|H301+H311", HazardStatements(in))
	assert.Equal(t, "", HazardStatements("keine"))
}

func TestPrecautionaryStatements(t *testing.T) {
	in := "P210 P305 +P351+ P338 P210"
	assert.Equal(t, "P210|P305+P351+P338", PrecautionaryStatements(in))
}
