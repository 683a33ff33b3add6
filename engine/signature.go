package engine

import (
	"strings"

	"github.com/tetratelabs/wazero/api"
)

func signature(params, results int) string {
	p := make([]api.ValueType, params)
	r := make([]api.ValueType, results)
	for i := range p {
		p[i] = api.ValueTypeI64
	}
	for i := range r {
		r[i] = api.ValueTypeI64
	}
	return formatSignature(p, r)
}

func signatureOf(def api.FunctionDefinition) string {
	return formatSignature(def.ParamTypes(), def.ResultTypes())
}

func formatSignature(params, results []api.ValueType) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, t := range params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(t))
	}
	b.WriteString(") -> (")
	for i, t := range results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(t))
	}
	b.WriteByte(')')
	return b.String()
}
