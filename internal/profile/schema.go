package profile

import (
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// familySchema constrains the shape of one family document.
const familySchema = `
#Band:  =~"^[A-Za-z0-9_]+$"
#Short: =~"^[A-Z0-9]+$"

#Family: {
	datatype: [=~"^[1-8]$"]: [#Band, ...#Band]
	rename: [#Band]: #Short
	package: [=~"^[A-Z]+$"]: [#Short, ...#Short]
	xml: [=~"^[a-z]+$"]: [string, ...string]
	browse: {
		red:   #Short
		green: #Short
		blue:  #Short
	}
	lineage_source: #Band
	pixelqa:        #Short
}
`

// validateSchema checks a family against #Family.
func validateSchema(f *Family) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(familySchema)
	if err := schema.Err(); err != nil {
		return err
	}
	def := schema.LookupPath(cue.ParsePath("#Family"))

	v := def.Unify(ctx.Encode(f.document()))
	return v.Validate(cue.Concrete(true))
}

// document renders the family as plain maps keyed by strings.
func (f *Family) document() map[string]any {
	datatype := map[string]any{}
	for c, inputs := range f.Datatype {
		datatype[strconv.Itoa(int(c))] = nonNil(inputs)
	}
	rename := map[string]any{}
	for k, v := range f.Rename {
		rename[k] = v
	}
	pkg := map[string]any{}
	for k, v := range f.Package {
		pkg[k] = nonNil(v)
	}
	xml := map[string]any{}
	for k, v := range f.XML {
		xml[k] = nonNil(v)
	}
	return map[string]any{
		"datatype": datatype,
		"rename":   rename,
		"package":  pkg,
		"xml":      xml,
		"browse": map[string]any{
			"red":   f.Browse.Red,
			"green": f.Browse.Green,
			"blue":  f.Browse.Blue,
		},
		"lineage_source": f.LineageSource,
		"pixelqa":        f.PixelQA,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
