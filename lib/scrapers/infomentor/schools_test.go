package infomentor

import (
	"testing"

	"pupilwatch-backend/lib/htmlutil"

	"github.com/stretchr/testify/require"
)

func TestPickSchoolByUsernameAffinity(t *testing.T) {
	candidates := []htmlutil.Anchor{
		{Name: "Annan inloggning", Href: "https://idp.example/adfs/login"},
		{Name: "Stadsskolan", Href: "/oauth/stadsskolan"},
	}

	choice, ok := pickSchool(candidates, "lisa@stadsskolan.se", "")
	require.True(t, ok)
	require.Equal(t, "Stadsskolan", choice.Name)
}

func TestPickSchoolFuzzyNameMatch(t *testing.T) {
	// the username domain squeezes the school name together, the
	// candidate spells it with non-ascii letters
	candidates := []htmlutil.Anchor{
		{Name: "Björkskolan", Href: "/oauth/school/bjork"},
		{Name: "Ekbacken", Href: "/oauth/school/ekbacken"},
	}

	choice, ok := pickSchool(candidates, "anna@bjorkskolan.se", "")
	require.True(t, ok)
	require.Equal(t, "Björkskolan", choice.Name)
}

func TestPickSchoolPersistedChoiceWins(t *testing.T) {
	candidates := []htmlutil.Anchor{
		{Name: "Stadsskolan", Href: "/oauth/stadsskolan"},
		{Name: "Gamla skolan", Href: "/oauth/gamla"},
	}

	choice, ok := pickSchool(candidates, "lisa@stadsskolan.se", "/oauth/gamla")
	require.True(t, ok)
	require.Equal(t, "/oauth/gamla", choice.Href)
}

func TestPickSchoolBaselineGate(t *testing.T) {
	candidates := []htmlutil.Anchor{
		{Name: "Driftinformation", Href: "/status"},
		{Name: "Kontakt", Href: "/contact"},
	}

	_, ok := pickSchool(candidates, "lisa@stadsskolan.se", "")
	require.False(t, ok)

	_, ok = pickSchool(nil, "lisa@stadsskolan.se", "")
	require.False(t, ok)
}

func TestPickSchoolTiesKeepFirstCandidate(t *testing.T) {
	candidates := []htmlutil.Anchor{
		{Name: "Norra skolan", Href: "/oauth/a"},
		{Name: "Norra skolan", Href: "/oauth/b"},
	}

	for i := 0; i < 20; i++ {
		choice, ok := pickSchool(candidates, "elev@norraskolan.se", "")
		require.True(t, ok)
		require.Equal(t, "/oauth/a", choice.Href)
	}
}

func TestUsernameTokens(t *testing.T) {
	require.Equal(t,
		[]string{"bjorkskolan", "anna", "svensson"},
		usernameTokens("Anna.Svensson@bjorkskolan.se"))
	require.Empty(t, usernameTokens("a@b.se"))
}
