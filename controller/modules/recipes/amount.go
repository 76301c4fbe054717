package recipes

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/Knetic/govaluate"

	"github.com/tipsy-mixer/tipsy/controller"
)

// Millilitres per unit accepted after the number.
var units = map[string]float64{
	"":   1,
	"ml": 1,
	"cl": 10,
	"l":  1000,
	"oz": 29.5735,
}

// ParseAmount reads a recipe amount such as "50 ml", "4cl", "1/2 oz" or
// "2*25" and returns millilitres.
func ParseAmount(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty amount", controller.ErrParse)
	}
	// only a trailing run of letters is a glued unit, so "1e3" stays a number
	num, unit := fields[0], ""
	if i := strings.LastIndexFunc(num, isNotLetter) + 1; i > 0 && i < len(num) {
		num, unit = num[:i], num[i:]
	}
	switch {
	case len(fields) == 2 && unit == "":
		unit = fields[1]
	case len(fields) > 2, len(fields) == 2 && unit != "":
		return 0, fmt.Errorf("%w: unexpected text in amount %q", controller.ErrParse, s)
	}
	factor, ok := units[strings.ToLower(unit)]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit %q in %q", controller.ErrParse, unit, s)
	}
	v, err := evaluate(num)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", controller.ErrParse, s, err)
	}
	return v * factor, nil
}

func isNotLetter(r rune) bool { return !unicode.IsLetter(r) }

func evaluate(expr string) (float64, error) {
	v, err := strconv.ParseFloat(expr, 64)
	if err != nil {
		if v, err = expression(expr); err != nil {
			return 0, err
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("out of range: %v", v)
	}
	return v, nil
}

func expression(expr string) (float64, error) {
	e, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return 0, err
	}
	if len(e.Vars()) > 0 {
		return 0, fmt.Errorf("not a number: %s", expr)
	}
	out, err := e.Evaluate(nil)
	if err != nil {
		return 0, err
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("not a number: %s", expr)
	}
	return v, nil
}
