package registry

import (
	"github.com/gomlx/trtengine/profiles"
	"github.com/gomlx/trtengine/tensors"
)

// Request is the scalar form of a shape-compatibility query, in the units a
// diffusion caller naturally has: image pixels, batch size and text-embedding
// length. The matcher derives the latent dimensions itself: the backbone
// runs at 1/8 pixel resolution, and classifier-free guidance doubles the
// batch (conditional and unconditional halves per image).
type Request struct {
	Width, Height, BatchSize, MaxEmbedding int
}

// latent converts the request to the values compared against the profile of
// the "sample" input.
func (req Request) latent() (batch, h, w int) {
	return req.BatchSize * 2, req.Height / 8, req.Width / 8
}

// Compatible reports whether an engine with this config can serve the scalar
// request, and at what distance. The request is checked against the "sample"
// profile's batch/height/width axes and the "encoder_hidden_states"
// profile's token axis; a config missing either canonical input cannot serve
// the request.
//
// Distance for accepted configs (lower is better; 0 requires the request to
// sit on the optimization point with no height/width slack left to max):
//
//	|opt[0]-batch| + |opt[2]-h| + |opt[3]-w| + 0.5·(|max[2]-h| + |max[3]-w|)
func (c *Config) Compatible(req Request) (bool, float64) {
	sample, ok := c.Profile[profiles.InputSample]
	if !ok || sample.Rank() < 4 {
		return false, 0
	}
	embedding, ok := c.Profile[profiles.InputEncoderHiddenStates]
	if !ok || embedding.Rank() < 2 {
		return false, 0
	}
	batch, h, w := req.latent()
	if batch < sample.Min[0] || batch > sample.Max[0] ||
		h < sample.Min[2] || h > sample.Max[2] ||
		w < sample.Min[3] || w > sample.Max[3] ||
		req.MaxEmbedding < embedding.Min[1] || req.MaxEmbedding > embedding.Max[1] {
		return false, 0
	}
	distance := absDiff(sample.Opt[0], batch) +
		absDiff(sample.Opt[2], h) +
		absDiff(sample.Opt[3], w) +
		0.5*(absDiff(sample.Max[2], h)+absDiff(sample.Max[3], w))
	return true, distance
}

func absDiff(a, b int) float64 {
	if a > b {
		return float64(a - b)
	}
	return float64(b - a)
}

// CompatibleFromFeed reports whether an engine with this config can serve
// the concrete input tensors of feed, and at what distance. Every input
// present in both the feed and the profile must fit its [min, max] envelope;
// the distance accumulates each input's profiles.ShapeProfile.Distance.
func (c *Config) CompatibleFromFeed(feed map[string]*tensors.Tensor) (bool, float64) {
	var distance float64
	for name, t := range feed {
		p, ok := c.Profile[name]
		if !ok {
			continue
		}
		dims := t.Dims()
		if !p.Contains(dims) {
			return false, 0
		}
		distance += p.Distance(dims)
	}
	return true, distance
}

// ValidEngines returns the entries of baseModel that accept the scalar
// request, with their parallel distances. The lists are not sorted: the
// caller picks its selection policy (typically the minimum distance). Both
// lists are empty when nothing matches, the normal "needs a build" case,
// not an error.
func (r *Registry) ValidEngines(baseModel string, req Request) ([]Entry, []float64) {
	return r.filterCompatible(baseModel, func(c *Config) (bool, float64) {
		return c.Compatible(req)
	})
}

// ValidEnginesFromFeed is ValidEngines for the concrete-tensor query form.
func (r *Registry) ValidEnginesFromFeed(baseModel string, feed map[string]*tensors.Tensor) ([]Entry, []float64) {
	return r.filterCompatible(baseModel, func(c *Config) (bool, float64) {
		return c.CompatibleFromFeed(feed)
	})
}

func (r *Registry) filterCompatible(baseModel string, accept func(*Config) (bool, float64)) ([]Entry, []float64) {
	var valid []Entry
	var distances []float64
	for _, entry := range r.Lookup(baseModel) {
		if ok, distance := accept(&entry.Config); ok {
			valid = append(valid, entry)
			distances = append(distances, distance)
		}
	}
	return valid, distances
}
