package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each section name to its sorted field keys. Built from
// the toml struct tags so the two cannot drift apart.
var knownKeys = func() map[string][]string {
	out := make(map[string][]string)

	root := reflect.TypeOf(Config{})
	for i := range root.NumField() {
		section := root.Field(i)
		name := section.Tag.Get("toml")

		var keys []string

		for j := range section.Type.NumField() {
			keys = append(keys, section.Type.Field(j).Tag.Get("toml"))
		}

		sort.Strings(keys)
		out[name] = keys
	}

	return out
}()

// knownSections is the sorted list of section names for suggestions.
var knownSections = func() []string {
	sections := make([]string, 0, len(knownKeys))
	for s := range knownKeys {
		sections = append(sections, s)
	}

	sort.Strings(sections)

	return sections
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	reported := make(map[string]bool)

	for _, key := range undecoded {
		section := key[0]

		if _, ok := knownKeys[section]; !ok {
			if reported[section] {
				continue
			}

			reported[section] = true
			errs = append(errs, unknownKeyError(section, "", knownSections))

			continue
		}

		if len(key) < 2 {
			continue
		}

		errs = append(errs, unknownKeyError(key[1], section, knownKeys[section]))
	}

	return errors.Join(errs...)
}

// unknownKeyError describes an unknown key, suggesting the closest known
// one when there is a near match.
func unknownKeyError(key, section string, candidates []string) error {
	name := key
	if section != "" {
		name = section + "." + key
	}

	if suggestion := closestMatch(key, candidates); suggestion != "" {
		if section != "" {
			suggestion = section + "." + suggestion
		}

		return fmt.Errorf("unknown config key %q; did you mean %q?", name, suggestion)
	}

	return fmt.Errorf("unknown config key %q", name)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(strings.ToLower(unknown), k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization: two rows instead of a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
