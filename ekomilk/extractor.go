// Package ekomilk extracts milk analysis parameters from the plaintext
// readings an EkoMilk analyser prints over its serial link.
package ekomilk

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Parameter names a measurement reported by the analyser.
type Parameter string

const (
	Fat         Parameter = "fat"
	SNF         Parameter = "snf"
	Density     Parameter = "density"
	Protein     Parameter = "protein"
	Lactose     Parameter = "lactose"
	Water       Parameter = "water"
	Temperature Parameter = "temperature"
)

// SampleReading is the line the analyser prints for a complete test.
const SampleReading = "FAT=3.5% SNF=8.2% DENSITY=1.028 PROTEIN=3.1% LACTOSE=4.8% WATER=87.5% TEMP=25°C"

// number accepts digits with at most one decimal point.
const number = `([0-9]+(?:\.[0-9]*)?|\.[0-9]+)`

type pattern struct {
	param Parameter
	re    *regexp.Regexp
}

var patterns = []pattern{
	{Fat, regexp.MustCompile(`(?i)FAT[=:]\s*` + number + `%?`)},
	{SNF, regexp.MustCompile(`(?i)SNF[=:]\s*` + number + `%?`)},
	{Density, regexp.MustCompile(`(?i)DENSITY[=:]\s*` + number)},
	{Protein, regexp.MustCompile(`(?i)PROTEIN[=:]\s*` + number + `%?`)},
	{Lactose, regexp.MustCompile(`(?i)LACTOSE[=:]\s*` + number + `%?`)},
	{Water, regexp.MustCompile(`(?i)WATER[=:]\s*` + number + `%?`)},
	{Temperature, regexp.MustCompile(`(?i)TEMP[=:]\s*` + number + `(?:°?C)?`)},
}

// Parameters lists every parameter in display order.
func Parameters() []Parameter {
	out := make([]Parameter, len(patterns))
	for i, p := range patterns {
		out[i] = p.param
	}
	return out
}

// Set is the running aggregate of the parameters seen during a session.
// Parameters never reported are absent, not zero.
type Set struct {
	Values      map[Parameter]float64
	LastUpdated time.Time
}

// NewSet returns an empty Set.
func NewSet() Set {
	return Set{Values: make(map[Parameter]float64)}
}

// Get returns the value of p and whether it has been reported.
func (s Set) Get(p Parameter) (float64, bool) {
	v, ok := s.Values[p]
	return v, ok
}

// Len returns the number of reported parameters.
func (s Set) Len() int {
	return len(s.Values)
}

// Clone returns a deep copy of s.
func (s Set) Clone() Set {
	out := Set{
		Values:      make(map[Parameter]float64, len(s.Values)),
		LastUpdated: s.LastUpdated,
	}
	for k, v := range s.Values {
		out.Values[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same values and timestamp.
func (s Set) Equal(o Set) bool {
	if len(s.Values) != len(o.Values) || !s.LastUpdated.Equal(o.LastUpdated) {
		return false
	}
	for k, v := range s.Values {
		if ov, ok := o.Values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// MarshalJSON flattens the set into {"fat":3.5,...,"lastUpdated":"..."}.
func (s Set) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(s.Values)+1)
	for k, v := range s.Values {
		flat[string(k)] = v
	}
	if !s.LastUpdated.IsZero() {
		flat["lastUpdated"] = s.LastUpdated.Format(time.RFC3339Nano)
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flat form written by MarshalJSON. Unknown keys
// are ignored.
func (s *Set) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	out := NewSet()
	for _, p := range Parameters() {
		raw, ok := flat[string(p)]
		if !ok {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		out.Values[p] = v
	}
	if raw, ok := flat["lastUpdated"]; ok {
		if err := json.Unmarshal(raw, &out.LastUpdated); err != nil {
			return err
		}
	}
	*s = out
	return nil
}

// Extract returns the parameters found in raw. When a label occurs more
// than once the last occurrence wins.
func Extract(raw string) map[Parameter]float64 {
	found := make(map[Parameter]float64)
	text := strings.TrimSpace(raw)
	if text == "" {
		return found
	}

	for _, p := range patterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
				continue
			}
			found[p.param] = v
		}
	}
	return found
}

// Ingest merges the parameters found in raw into prev.
func Ingest(raw string, prev Set) Set {
	return IngestAt(raw, prev, time.Now())
}

// IngestAt is Ingest with an explicit update time. prev is never modified;
// when nothing matches it is returned as is.
func IngestAt(raw string, prev Set, now time.Time) Set {
	return Merge(prev, Extract(raw), now)
}

// Merge overwrites the keys of prev present in found and stamps now. An
// empty found returns prev unchanged.
func Merge(prev Set, found map[Parameter]float64, now time.Time) Set {
	if len(found) == 0 {
		return prev
	}

	next := prev.Clone()
	for k, v := range found {
		next.Values[k] = v
	}
	next.LastUpdated = now
	return next
}

// Names returns the parameter names in found, sorted.
func Names(found map[Parameter]float64) []string {
	names := make([]string, 0, len(found))
	for p := range found {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// FoldLines ingests every line of r in order, starting from prev, and
// returns the result with the names of all parameters seen. Lines may be
// of any length.
func FoldLines(r io.Reader, prev Set, now time.Time) (Set, []string, error) {
	seen := make(map[Parameter]float64)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			found := Extract(line)
			for k, v := range found {
				seen[k] = v
			}
			prev = Merge(prev, found, now)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return prev, nil, err
		}
	}
	return prev, Names(seen), nil
}
