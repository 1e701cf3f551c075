package audio

import (
	"math"
	"time"
)

// Cue is an audible signal played around speech capture.
type Cue int

const (
	CueStart Cue = iota + 1
	CueEnd
)

func (c Cue) String() string {
	switch c {
	case CueStart:
		return "start"
	case CueEnd:
		return "end"
	default:
		return "unknown"
	}
}

const (
	cueVolume = 0.25
	fadeTime  = 8 * time.Millisecond
)

// Tone renders a sine tone in format f with short linear fades at both ends.
func Tone(freq float64, d time.Duration, f Format, volume float64) []int16 {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	fade := int(int64(f.SampleRate) * int64(fadeTime) / int64(time.Second))
	if fade*2 > frames {
		fade = frames / 2
	}
	out := make([]int16, frames*f.Channels)
	for i := 0; i < frames; i++ {
		gain := volume
		switch {
		case fade > 0 && i < fade:
			gain *= float64(i) / float64(fade)
		case fade > 0 && i >= frames-fade:
			gain *= float64(frames-1-i) / float64(fade)
		}
		v := int16(math.Sin(2*math.Pi*freq*float64(i)/float64(f.SampleRate)) * gain * math.MaxInt16)
		for ch := 0; ch < f.Channels; ch++ {
			out[i*f.Channels+ch] = v
		}
	}
	return out
}

// CueSound renders c as PCM bytes. Start rises, end falls.
func CueSound(c Cue, f Format) []byte {
	var notes []float64
	switch c {
	case CueStart:
		notes = []float64{660, 880}
	case CueEnd:
		notes = []float64{880, 660}
	default:
		return nil
	}
	var pcm []int16
	for _, n := range notes {
		pcm = append(pcm, Tone(n, 70*time.Millisecond, f, cueVolume)...)
	}
	return SamplesToBytes(pcm)
}
