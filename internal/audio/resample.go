package audio

import "math"

// filterTaps is the FIR length used on the anti-aliasing path.
const filterTaps = 31

// Resample converts mono samples from one rate to another. Downsampling is
// low-passed at the target Nyquist first; upsampling interpolates linearly
// and smooths the result with the same filter.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 {
		return samples
	}
	nyquist := float64(min(from, to)) / 2
	if from > to {
		samples = convolve(samples, lowPassKernel(nyquist/float64(from)))
	}

	step := float64(from) / float64(to)
	out := make([]float32, int(float64(len(samples))/step))
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		t := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*t
	}

	if to > from {
		out = convolve(out, lowPassKernel(nyquist/float64(to)))
	}
	return out
}

// convolve applies kernel centered on each sample; taps falling outside the
// signal are treated as zero.
func convolve(in, kernel []float32) []float32 {
	half := len(kernel) / 2
	out := make([]float32, len(in))
	for i := range in {
		var acc float32
		for k, w := range kernel {
			j := i + k - half
			if j < 0 || j >= len(in) {
				continue
			}
			acc += in[j] * w
		}
		out[i] = acc
	}
	return out
}

// lowPassKernel builds a Blackman-windowed sinc with normalized cutoff fc
// (cycles per sample), scaled to unity DC gain.
func lowPassKernel(fc float64) []float32 {
	kernel := make([]float32, filterTaps)
	center := filterTaps / 2
	span := float64(filterTaps - 1)

	var total float64
	weights := make([]float64, filterTaps)
	for i := range weights {
		v := 2 * fc
		if n := float64(i - center); n != 0 {
			v = math.Sin(2*math.Pi*fc*n) / (math.Pi * n)
		}
		phase := 2 * math.Pi * float64(i) / span
		v *= 0.42 - 0.5*math.Cos(phase) + 0.08*math.Cos(2*phase)
		weights[i] = v
		total += v
	}
	for i, v := range weights {
		kernel[i] = float32(v / total)
	}
	return kernel
}
