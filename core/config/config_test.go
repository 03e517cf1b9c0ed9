package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Params){
		"zero min difficulty": func(p *Params) { p.MinDifficulty = 0; p.InitialDifficulty = 0 },
		"min above max":       func(p *Params) { p.MinDifficulty = p.MaxDifficulty + 1 },
		"initial below min":   func(p *Params) { p.MinDifficulty = 10; p.InitialDifficulty = 5 },
		"moving average":      func(p *Params) { p.BondsMovingAverage = PartsPerMillion + 1 },
		"rho":                 func(p *Params) { p.Rho = MaxRho + 1 },
		"zero kappa":          func(p *Params) { p.Kappa = 0 },
		"zero self ownership": func(p *Params) { p.SelfOwnership = 0 },
		"negative workers":    func(p *Params) { p.Workers = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := Default()
			mutate(&p)
			require.ErrorIs(t, p.Validate(), ErrInvalid)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.toml")
	require.NoError(t, os.WriteFile(path, []byte("rho = 12\nkappa = 4\nworkers = 8\n"), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(12), p.Rho)
	require.Equal(t, uint64(4), p.Kappa)
	require.Equal(t, 8, p.Workers)
	require.Equal(t, Default().ActivityCutoff, p.ActivityCutoff)
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.toml")
	require.NoError(t, os.WriteFile(unknown, []byte("temperature = 3\n"), 0644))
	_, err := Load(unknown)
	require.Error(t, err)

	invalid := filepath.Join(dir, "invalid.toml")
	require.NoError(t, os.WriteFile(invalid, []byte("kappa = 0\n"), 0644))
	_, err = Load(invalid)
	require.ErrorIs(t, err, ErrInvalid)
}
