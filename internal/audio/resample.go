package audio

// Remainder carries resampling state between consecutive frames of one
// stream. Each direction of a session owns its own Remainder; the functions
// in this package hold no state of their own.
type Remainder struct {
	partial []byte
	pending []int16
	phase   int64
	prev    int16
	primed  bool
}

func (r *Remainder) Reset() {
	if r == nil {
		return
	}
	r.partial = r.partial[:0]
	r.pending = r.pending[:0]
	r.phase = 0
	r.prev = 0
	r.primed = false
}

// Downsample converts f to mono int16 at targetRate. Integer ratios are
// decimated with a box average over each block, other ratios are linearly
// interpolated. A target at or above the source rate only normalizes.
func Downsample(f Frame, targetRate int, rem *Remainder) Frame {
	if targetRate <= 0 || !f.valid() {
		return Mono16(nil, targetRate)
	}
	if rem == nil {
		rem = &Remainder{}
	}
	samples := Normalize(f, rem)
	switch {
	case targetRate >= f.SampleRate:
		return Mono16(EncodeInt16(samples), f.SampleRate)
	case f.SampleRate%targetRate == 0:
		return Mono16(EncodeInt16(decimate(samples, f.SampleRate/targetRate, rem)), targetRate)
	default:
		return Mono16(EncodeInt16(interpolate(samples, f.SampleRate, targetRate, rem)), targetRate)
	}
}

// Resample converts f to mono int16 at exactly targetRate, decimating or
// interpolating as the source rate requires.
func Resample(f Frame, targetRate int, rem *Remainder) Frame {
	if f.SampleRate > targetRate {
		return Downsample(f, targetRate, rem)
	}
	return Upsample(f, targetRate, rem)
}

// Upsample converts f to mono int16 at targetRate using linear
// interpolation that stays continuous across frame boundaries. A target
// below the source rate is handed to Downsample.
func Upsample(f Frame, targetRate int, rem *Remainder) Frame {
	if targetRate <= 0 || !f.valid() {
		return Mono16(nil, targetRate)
	}
	if targetRate < f.SampleRate {
		return Downsample(f, targetRate, rem)
	}
	if rem == nil {
		rem = &Remainder{}
	}
	samples := Normalize(f, rem)
	if targetRate == f.SampleRate {
		return Mono16(EncodeInt16(samples), targetRate)
	}
	return Mono16(EncodeInt16(interpolate(samples, f.SampleRate, targetRate, rem)), targetRate)
}

func decimate(samples []int16, factor int, rem *Remainder) []int16 {
	all := samples
	if len(rem.pending) > 0 {
		all = append(append(make([]int16, 0, len(rem.pending)+len(samples)), rem.pending...), samples...)
	}
	blocks := len(all) / factor
	out := make([]int16, blocks)
	for i := 0; i < blocks; i++ {
		var sum int
		for _, s := range all[i*factor : (i+1)*factor] {
			sum += int(s)
		}
		out[i] = int16(sum / factor)
	}
	rem.pending = append(rem.pending[:0], all[blocks*factor:]...)
	return out
}

// interpolate walks the stream at srcRate/dstRate input samples per output
// sample. Positions are kept in units of 1/dstRate of an input sample so that
// frame boundaries never accumulate rounding drift. rem.prev is the last
// input sample of the previous frame and rem.phase the read position
// relative to it.
func interpolate(samples []int16, srcRate, dstRate int, rem *Remainder) []int16 {
	if len(samples) == 0 {
		return nil
	}
	buf := samples
	if rem.primed {
		buf = append(append(make([]int16, 0, len(samples)+1), rem.prev), samples...)
	}
	unit := int64(dstRate)
	step := int64(srcRate)
	limit := int64(len(buf)-1) * unit
	out := make([]int16, 0, int(limit/step)+1)
	p := rem.phase
	for p < limit {
		i := p / unit
		frac := float64(p%unit) / float64(unit)
		v := float64(buf[i])*(1-frac) + float64(buf[i+1])*frac
		out = append(out, clamp16(v))
		p += step
	}
	rem.prev = buf[len(buf)-1]
	rem.phase = p - limit
	rem.primed = true
	return out
}
