package protocol

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToInt(t *testing.T) {
	cases := map[string]struct {
		in   interface{}
		want int64
		ok   bool
	}{
		"int":               {in: 7, want: 7, ok: true},
		"integral float":    {in: float64(12), want: 12, ok: true},
		"fractional float":  {in: 1.5},
		"huge float":        {in: 1e300},
		"two to the 63":     {in: math.Pow(2, 63)},
		"min int64 float":   {in: float64(math.MinInt64), want: math.MinInt64, ok: true},
		"below min int64":   {in: -1e19},
		"infinity":          {in: math.Inf(1)},
		"not a number":      {in: math.NaN()},
		"json number":       {in: json.Number("42"), want: 42, ok: true},
		"json number float": {in: json.Number("1e300")},
		"decimal string":    {in: " 9 ", want: 9, ok: true},
		"bool":              {in: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := ToInt(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
