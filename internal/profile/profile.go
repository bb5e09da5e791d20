// Package profile loads the processing profile: per mission family, which
// input bands belong to which band class, what they are renamed to, how
// they are packaged into products and which metadata groups describe them.
package profile

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
)

// Defaults applied when a family omits them.
const (
	DefaultLineageSource = "toa_band1"
	DefaultPixelQA       = "PIXELQA"
)

// LineageShort is the short name of the lineage band.
const LineageShort = "LINEAGEQA"

// ARDGroup is the xml group written as <tile_id>.xml.
const ARDGroup = "ard"

// Class is a band class, 1 through 8.
type Class int

// Browse names the short bands used as browse red, green and blue.
type Browse struct {
	Red   string `yaml:"red"`
	Green string `yaml:"green"`
	Blue  string `yaml:"blue"`
}

// Family is the profile of one mission family.
type Family struct {
	Datatype      map[Class][]string  `yaml:"datatype"`
	Rename        map[string]string   `yaml:"rename"`
	Package       map[string][]string `yaml:"package"`
	XML           map[string][]string `yaml:"xml"`
	Browse        Browse              `yaml:"browse"`
	LineageSource string              `yaml:"lineage_source"`
	PixelQA       string              `yaml:"pixelqa"`
}

// Profile maps mission families to their profiles.
type Profile map[ard.Family]*Family

// Band is one output band.
type Band struct {
	Input string
	Short string
	Class Class
}

// Load reads and validates a profile document.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a profile document.
func Parse(data []byte) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("parse profile: no families")
	}
	for name, fam := range p {
		if fam == nil {
			return nil, fmt.Errorf("profile %s: empty family", name)
		}
		if fam.LineageSource == "" {
			fam.LineageSource = DefaultLineageSource
		}
		if fam.PixelQA == "" {
			fam.PixelQA = DefaultPixelQA
		}
		if err := validateSchema(fam); err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		if err := fam.check(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
	}
	return p, nil
}

// For returns the profile of a mission's family.
func (p Profile) For(m ard.Mission) (*Family, error) {
	fam, ok := p[m.Family()]
	if !ok {
		return nil, fmt.Errorf("no profile for %s (family %q)", m, m.Family())
	}
	return fam, nil
}

// Class returns the band class of an input band.
func (f *Family) Class(input string) (Class, bool) {
	for c, inputs := range f.Datatype {
		for _, in := range inputs {
			if in == input {
				return c, true
			}
		}
	}
	return 0, false
}

// Input returns the input band renamed to short.
func (f *Family) Input(short string) (string, bool) {
	for in, s := range f.Rename {
		if s == short {
			return in, true
		}
	}
	return "", false
}

// Bands returns the output bands needed by the requested products, plus
// the pixel QA band, ordered by class and then by profile order.
func (f *Family) Bands(products []string) []Band {
	want := map[string]bool{f.PixelQA: true}
	for _, prod := range products {
		for _, short := range f.Package[prod] {
			want[short] = true
		}
	}

	var bands []Band
	for _, c := range f.classes() {
		for _, in := range f.Datatype[c] {
			short := f.Rename[in]
			if want[short] {
				bands = append(bands, Band{Input: in, Short: short, Class: c})
			}
		}
	}
	return bands
}

// XMLGroups returns the xml groups covering the requested products, sorted,
// each with the requested products it contains.
func (f *Family) XMLGroups(products []string) []Group {
	requested := map[string]bool{}
	for _, p := range products {
		requested[p] = true
	}

	names := make([]string, 0, len(f.XML))
	for name := range f.XML {
		names = append(names, name)
	}
	sort.Strings(names)

	var groups []Group
	for _, name := range names {
		g := Group{Name: name}
		for _, prod := range f.XML[name] {
			if requested[prod] {
				g.Products = append(g.Products, prod)
			}
		}
		if len(g.Products) > 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

// XMLGroupOf returns the xml group containing product.
func (f *Family) XMLGroupOf(product string) (string, bool) {
	for name, prods := range f.XML {
		for _, p := range prods {
			if p == product {
				return name, true
			}
		}
	}
	return "", false
}

// CheckProducts verifies every requested product is packaged.
func (f *Family) CheckProducts(products []string) error {
	for _, p := range products {
		if _, ok := f.Package[p]; !ok {
			return fmt.Errorf("product %q is not packaged", p)
		}
	}
	return nil
}

// Group is an xml group and the requested products it describes.
type Group struct {
	Name     string
	Products []string
}

func (f *Family) classes() []Class {
	cs := make([]Class, 0, len(f.Datatype))
	for c := range f.Datatype {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i] < cs[j] })
	return cs
}

// check enforces the cross references a schema cannot express.
func (f *Family) check() error {
	seen := map[string]Class{}
	for c, inputs := range f.Datatype {
		if c < 1 || c > 8 {
			return fmt.Errorf("band class %d out of range", c)
		}
		for _, in := range inputs {
			if prev, dup := seen[in]; dup {
				return fmt.Errorf("band %q in classes %d and %d", in, prev, c)
			}
			seen[in] = c
			if _, ok := f.Rename[in]; !ok {
				return fmt.Errorf("band %q has no rename", in)
			}
		}
	}

	shorts := map[string]bool{}
	for in, short := range f.Rename {
		if _, ok := seen[in]; !ok {
			return fmt.Errorf("renamed band %q has no class", in)
		}
		if shorts[short] {
			return fmt.Errorf("short name %q used twice", short)
		}
		shorts[short] = true
	}

	for prod, members := range f.Package {
		for _, short := range members {
			if !shorts[short] && short != LineageShort {
				return fmt.Errorf("product %q: unknown band %q", prod, short)
			}
		}
	}

	grouped := map[string]string{}
	for group, prods := range f.XML {
		for _, prod := range prods {
			if _, ok := f.Package[prod]; !ok {
				return fmt.Errorf("xml group %q: unknown product %q", group, prod)
			}
			if prev, dup := grouped[prod]; dup {
				return fmt.Errorf("product %q in xml groups %q and %q", prod, prev, group)
			}
			grouped[prod] = group
		}
	}
	for prod := range f.Package {
		if _, ok := grouped[prod]; !ok {
			return fmt.Errorf("product %q has no xml group", prod)
		}
	}

	for role, short := range map[string]string{"red": f.Browse.Red, "green": f.Browse.Green, "blue": f.Browse.Blue} {
		if !shorts[short] {
			return fmt.Errorf("browse %s: unknown band %q", role, short)
		}
	}
	if _, ok := seen[f.LineageSource]; !ok {
		return fmt.Errorf("lineage source %q has no class", f.LineageSource)
	}
	if !shorts[f.PixelQA] {
		return fmt.Errorf("pixel QA band %q is not renamed", f.PixelQA)
	}
	return nil
}
