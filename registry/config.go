package registry

import (
	"encoding/json"

	"github.com/gomlx/trtengine/profiles"
	"github.com/pkg/errors"
)

// DefaultUNetHiddenDim is the latent channel count assumed when a persisted
// config predates the field.
const DefaultUNetHiddenDim = 4

// Config describes one compiled engine variant: the shape envelope it was
// built for and its capability flags. Immutable once registered.
//
// The JSON field names are the registry file format and must not change.
type Config struct {
	// Profile holds the (min, opt, max) bounds per input the engine accepts.
	Profile profiles.Set `json:"profile"`

	// StaticShapes marks an engine compiled for exactly one shape
	// (min == opt == max on every input).
	StaticShapes bool `json:"static_shapes"`

	// FP32 marks full-precision engines; false means fp16 kernels.
	FP32 bool `json:"fp32"`

	// BaselineModel identifies the architecture family the engine was
	// exported from (e.g. "SD15", "SDXL").
	BaselineModel string `json:"baseline_model"`

	// Inpaint marks engines exported from an inpainting checkpoint, whose
	// latent input carries extra mask channels.
	Inpaint bool `json:"inpaint"`

	// Refit marks engines built weight-refittable.
	Refit bool `json:"refit"`

	// LoRA marks adapter variants refit on top of a base engine.
	LoRA bool `json:"lora"`

	// VRAM is the device memory budget, in bytes, recorded at build time.
	VRAM int `json:"vram"`

	// UNetHiddenDim is the latent channel count of the backbone
	// (DefaultUNetHiddenDim for the standard UNet).
	UNetHiddenDim int `json:"unet_hidden_dim"`
}

// UnmarshalJSON decodes a persisted config record, defaulting UNetHiddenDim
// for records written before the field existed and validating every profile.
func (c *Config) UnmarshalJSON(data []byte) error {
	type configAlias Config
	record := configAlias{UNetHiddenDim: DefaultUNetHiddenDim}
	if err := json.Unmarshal(data, &record); err != nil {
		return errors.Wrapf(err, "invalid engine config record")
	}
	*c = Config(record)
	return c.Profile.Validate()
}

// Validate checks the config is serviceable: profiles hold the shape
// invariant, and static engines only declare static profiles.
func (c *Config) Validate() error {
	if err := c.Profile.Validate(); err != nil {
		return err
	}
	if c.StaticShapes {
		for name, p := range c.Profile {
			if !p.IsStatic() {
				return errors.Errorf("static-shape engine declares dynamic profile for input %q: %s", name, p)
			}
		}
	}
	if c.UNetHiddenDim <= 0 {
		return errors.Errorf("unet_hidden_dim must be positive, got %d", c.UNetHiddenDim)
	}
	return nil
}

// Entry is one registered engine variant: the artifact filename (relative to
// the registry's directory), its config, and for adapter variants the base
// model the adapter refits.
type Entry struct {
	Filepath  string `json:"filepath"`
	Config    Config `json:"config"`
	BaseModel string `json:"base_model,omitempty"`
}

// IsAdapter returns whether the entry is an adapter variant riding on a base
// model's engine.
func (e Entry) IsAdapter() bool { return e.BaseModel != "" }
