package capture

import "sync"

// Probe answers whether continuous recognition is available. The answer is
// computed on first use and then fixed for the lifetime of the process.
type Probe struct {
	once      sync.Once
	detect    func() bool
	supported bool
}

func NewProbe(detect func() bool) *Probe {
	return &Probe{detect: detect}
}

// StaticProbe returns a probe with a predetermined answer.
func StaticProbe(supported bool) *Probe {
	return NewProbe(func() bool { return supported })
}

func (p *Probe) Supported() bool {
	if p == nil {
		return false
	}
	p.once.Do(func() {
		if p.detect != nil {
			p.supported = p.detect()
		}
	})
	return p.supported
}
