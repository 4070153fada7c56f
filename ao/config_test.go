package ao

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/shao/calibration"
	"github.jpl.nasa.gov/bdube/shao/wfs"
)

func TestParseVariant(t *testing.T) {
	for in, want := range map[string]Variant{
		"plain":               Plain,
		"1":                   Plain,
		"Obscuration":         ObscurationAware,
		"3":                   PartialCorrection,
		"obscuration+partial": ObscurationAndPartial,
		"4":                   ObscurationAndPartial,
	} {
		got, err := ParseVariant(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseVariant("adaptive")
	assert.Error(t, err)
}

func TestVariantStages(t *testing.T) {
	assert.Equal(t, Stages{}, Plain.Stages())
	assert.Equal(t, Stages{Obscuration: true}, ObscurationAware.Stages())
	assert.Equal(t, Stages{Partial: true}, PartialCorrection.Stages())
	assert.Equal(t, Stages{Obscuration: true, Partial: true}, ObscurationAndPartial.Stages())

	assert.Equal(t, wfs.ModePlain, Plain.CentroidMode())
	assert.Equal(t, wfs.ModeObscuration, ObscurationAware.CentroidMode())
	assert.Equal(t, wfs.ModePartial, PartialCorrection.CentroidMode())
	assert.Equal(t, wfs.ModeObscurationAndPartial, ObscurationAndPartial.CentroidMode())
}

func TestVariantText(t *testing.T) {
	b, err := ObscurationAndPartial.MarshalText()
	require.NoError(t, err)
	var v Variant
	require.NoError(t, v.UnmarshalText(b))
	assert.Equal(t, ObscurationAndPartial, v)
	assert.Equal(t, "Variant(9)", Variant(9).String())
}

func TestNormalizeExpandsBias(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bias = []float64{0.5}
	cfg.Obscuration = "SNAPPED"
	cfg.FrameCount = 0
	require.NoError(t, cfg.Normalize(4))
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, cfg.Bias)
	assert.Equal(t, calibration.Snapped, cfg.Obscuration)
	assert.Equal(t, 1, cfg.FrameCount)

	cfg.Obscuration = "fuzzy"
	assert.ErrorIs(t, cfg.Normalize(4), ErrConfig)
}

func TestValidate(t *testing.T) {
	base := DefaultConfig()
	base.Bias = make([]float64, 3)
	require.NoError(t, base.Validate(3))

	bad := []func(*Config){
		func(c *Config) { c.LoopMax = -1 },
		func(c *Config) { c.ControlCoeffs = 0 },
		func(c *Config) { c.Wavelength = 0 },
		func(c *Config) { c.Threshold = 1 },
		func(c *Config) { c.FrameWidth = 0 },
		func(c *Config) { c.Injection.Enabled = true },
		func(c *Config) {
			c.Injection.Enabled = true
			c.Injection.Target = make([]float64, 30)
			c.Injection.Target[25] = 0.1
		},
	}
	for i, f := range bad {
		c := base
		c.Injection.Target = nil
		f(&c)
		assert.ErrorIs(t, c.Validate(3), ErrConfig, "case %d", i)
	}
	assert.ErrorIs(t, base.Validate(4), ErrConfig)
}

func TestExcludedModes(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []int{0, 1}, cfg.excluded(Plain.Stages()))
	assert.Equal(t, []int{0, 1, 3}, cfg.excluded(PartialCorrection.Stages()))
}

func TestConfigYAML(t *testing.T) {
	want := DefaultConfig()
	want.Bias = []float64{0.25}
	want.Injection.Target = []float64{0, 0, 0.1}
	b, err := yml.Marshal(want)
	require.NoError(t, err)
	var cfg Config
	require.NoError(t, yml.Unmarshal(b, &cfg))
	assert.Equal(t, want, cfg)
}
