package multibox

import (
	"image/color"

	"github.com/pkg/errors"
)

// PaletteSize is the number of identity colors, and so the largest pool.
const PaletteSize = 15

var palette = [PaletteSize]color.RGBA{
	{B: 0xff, A: 0xff},
	{R: 0xff, A: 0xff},
	{G: 0xff, A: 0xff},
	{R: 0xff, G: 0xff, A: 0xff},
	{G: 0xff, B: 0xff, A: 0xff},
	{R: 0xff, B: 0xff, A: 0xff},
	{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	{R: 0x55, G: 0xff, B: 0x55, A: 0xff},
	{R: 0xff, G: 0xa5, A: 0xff},
	{R: 0xff, G: 0x88, B: 0x88, A: 0xff},
	{R: 0xaa, G: 0xaa, B: 0xff, A: 0xff},
	{R: 0xff, G: 0xff, B: 0xaa, A: 0xff},
	{R: 0x55, G: 0xaa, B: 0xaa, A: 0xff},
	{R: 0xaa, G: 0x33, B: 0xaa, A: 0xff},
	{R: 0x0d, B: 0x68, A: 0xff},
}

// Palette returns a copy of the identity colors, in the order a fresh pool hands them out.
func Palette() []color.RGBA {
	p := palette
	return p[:]
}

// colorPool is a bounded queue of identity colors. A color is either in the pool or held
// by exactly one tracked object.
type colorPool struct {
	colors    []color.RGBA
	available []color.RGBA
}

func newColorPool(size int) *colorPool {
	p := &colorPool{colors: append([]color.RGBA(nil), palette[:size]...)}
	p.reset()
	return p
}

func (p *colorPool) capacity() int {
	return len(p.colors)
}

func (p *colorPool) empty() bool {
	return len(p.available) == 0
}

// reset puts every color back, in palette order.
func (p *colorPool) reset() {
	p.available = append(p.available[:0], p.colors...)
}

// checkout takes the next available color. It never blocks.
func (p *colorPool) checkout() (color.RGBA, bool) {
	if len(p.available) == 0 {
		return color.RGBA{}, false
	}
	c := p.available[0]
	p.available = p.available[1:]
	return c, true
}

// release returns a color to the pool. Releasing a color that is already available, or
// that the pool never owned, means two tracks shared an identity and panics.
func (p *colorPool) release(c color.RGBA) {
	owned := false
	for _, o := range p.colors {
		if o == c {
			owned = true
			break
		}
	}
	if !owned {
		panic(errors.Errorf("released identity %v does not belong to the pool", c))
	}
	for _, a := range p.available {
		if a == c {
			panic(errors.Errorf("identity %v released twice", c))
		}
	}
	p.available = append(p.available, c)
}
