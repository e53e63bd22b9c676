package result

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/archlab/labrunner/labspec"
)

// ExtractFigures derives every figure of merit from the captured files.
// A figure whose file is absent or whose first row cannot be read has a
// nil value.
func ExtractFigures(rules []labspec.FigureOfMerit, files map[string]string) []Figure {
	rt := make([]Figure, 0, len(rules))
	for _, r := range rules {
		f := Figure{Name: r.Name}
		if content, ok := files[r.File]; ok && content != MissingFileContent {
			if v, err := extract(r, content); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
				f.Value = &v
			}
		}
		rt = append(rt, f)
	}
	return rt
}

func extract(r labspec.FigureOfMerit, content string) (float64, error) {
	row, err := firstRow(content)
	if err != nil {
		return 0, err
	}
	if r.Field != "" {
		return fieldValue(row, r.Field)
	}
	return evaluate(r.Function, row)
}

// firstRow reads the header and the first data row of a CSV document.
// Later rows are ignored.
func firstRow(content string) (map[string]string, error) {
	cr := csv.NewReader(strings.NewReader(content))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	rec, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("no data row")
	}
	if err != nil {
		return nil, fmt.Errorf("read first row: %w", err)
	}
	row := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(rec) {
			row[strings.TrimSpace(h)] = strings.TrimSpace(rec[i])
		}
	}
	return row, nil
}

func fieldValue(row map[string]string, field string) (float64, error) {
	s, ok := row[field]
	if !ok {
		return 0, fmt.Errorf("field %q not found", field)
	}
	return strconv.ParseFloat(s, 64)
}

// evaluate computes an arithmetic formula over the row. Columns are
// referenced by name (or [name] when it is not an identifier) or through
// get_value("name").
func evaluate(formula string, row map[string]string) (float64, error) {
	functions := map[string]govaluate.ExpressionFunction{
		"get_value": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("get_value takes one argument")
			}
			name, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("get_value argument must be a string")
			}
			return fieldValue(row, name)
		},
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(formula, functions)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", formula, err)
	}
	params := make(map[string]interface{}, len(expr.Vars()))
	for _, v := range expr.Vars() {
		f, err := fieldValue(row, v)
		if err != nil {
			return 0, err
		}
		params[v] = f
	}
	out, err := expr.Evaluate(params)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", formula, err)
	}
	f, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("formula %q is not numeric: %v", formula, out)
	}
	return f, nil
}
