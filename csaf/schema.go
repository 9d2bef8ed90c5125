// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package csaf

import (
	"bytes"
	_ "embed"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/csaf_2.0.json
var csafSchema []byte

type compiledSchema struct {
	url      string
	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

var csafSchemaCompiled = &compiledSchema{
	url: "https://docs.oasis-open.org/csaf/csaf/v2.0/csaf_json_schema.json",
}

func (cs *compiledSchema) compile(data []byte) {
	cs.once.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if cs.err = c.AddResource(cs.url, bytes.NewReader(data)); cs.err != nil {
			return
		}
		cs.compiled, cs.err = c.Compile(cs.url)
	})
}

func (cs *compiledSchema) validate(doc any, data []byte) ([]string, error) {
	cs.compile(data)
	if cs.err != nil {
		return nil, cs.err
	}
	err := cs.compiled.Validate(doc)
	if err == nil {
		return nil, nil
	}
	valErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil, err
	}

	basic := valErr.BasicOutput()
	if basic.Valid {
		return nil, nil
	}

	errs := basic.Errors
	sort.Slice(errs, func(i, j int) bool {
		pi := errs[i].InstanceLocation
		pj := errs[j].InstanceLocation
		if pi != pj {
			return pi < pj
		}
		return errs[i].KeywordLocation < errs[j].KeywordLocation
	})

	res := make([]string, 0, len(errs))
	for i := range errs {
		e := &errs[i]
		if e.Error == "" {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		res = append(res, loc+": "+e.Error)
	}
	return res, nil
}

// ValidateCSAF validates the document doc against the JSON schema
// of CSAF 2.0. It returns a list of validation failures. A non-nil
// error indicates that the validation itself went wrong.
func ValidateCSAF(doc any) ([]string, error) {
	return csafSchemaCompiled.validate(doc, csafSchema)
}
