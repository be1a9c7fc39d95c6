package conformance

import (
	"bufio"
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// Mismatch is a fixture whose effects differ between the builtin and the candidate.
type Mismatch struct {
	Fixture string
	Reason  string
	Diff    string
}

// Comparator decides whether two effects logs of the same fixture are equivalent. It returns nil
// when they are.
type Comparator interface {
	Compare(fixtureName string, baseline, candidate []byte) (*Mismatch, error)
}

// FieldComparator compares effects field by field after flattening the text format into dotted
// paths. Fields named in IgnoreFields, and everything nested under them, are not compared.
type FieldComparator struct {
	IgnoreFields []string
}

func (c *FieldComparator) Compare(fixtureName string, baseline, candidate []byte) (*Mismatch, error) {
	want, err := FlattenEffects(baseline)
	if err != nil {
		return nil, fmt.Errorf("failed to parse baseline effects of %s: %w", fixtureName, err)
	}
	got, err := FlattenEffects(candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse candidate effects of %s: %w", fixtureName, err)
	}
	ignore := cmpopts.IgnoreMapEntries(func(k, _ string) bool { return c.ignored(k) })
	if cmp.Equal(want, got, ignore) {
		return nil, nil
	}
	return &Mismatch{
		Fixture: fixtureName,
		Reason:  "effects differ",
		Diff:    c.diff(want, got),
	}, nil
}

func (c *FieldComparator) ignored(key string) bool {
	for _, f := range c.IgnoreFields {
		if key == f || strings.HasPrefix(key, f+".") || strings.HasPrefix(key, f+"[") {
			return true
		}
	}
	return false
}

func (c *FieldComparator) diff(want, got map[string]string) string {
	a := c.render(want)
	b := c.render(got)
	edits := myers.ComputeEdits(span.URIFromPath("builtin"), a, b)
	return fmt.Sprint(gotextdiff.ToUnified("builtin", "candidate", a, edits))
}

func (c *FieldComparator) render(fields map[string]string) string {
	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if c.ignored(k) {
			continue
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(fields[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// FlattenEffects parses protobuf text format into a map from field path to value. Nested
// messages contribute dotted paths and repeated fields an index, e.g. "modified_accounts[1].lamports".
func FlattenEffects(text []byte) (map[string]string, error) {
	out := make(map[string]string)
	type frame struct {
		prefix string
		counts map[string]int
	}
	stack := []frame{{counts: make(map[string]int)}}

	path := func(f frame, name string) string {
		n := f.counts[name]
		f.counts[name]++
		key := f.prefix + name
		if n > 0 {
			key += "[" + strconv.Itoa(n) + "]"
		}
		return key
	}

	scanner := bufio.NewScanner(bytes.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case line == "}":
			if len(stack) == 1 {
				return nil, fmt.Errorf("line %d: unbalanced closing brace", lineNo)
			}
			stack = stack[:len(stack)-1]
			continue
		case strings.HasSuffix(line, "{"):
			name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(line, "{"), ":"))
			top := stack[len(stack)-1]
			key := path(top, name)
			stack = append(stack, frame{prefix: key + ".", counts: make(map[string]int)})
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: expected field, got %q", lineNo, line)
		}
		top := stack[len(stack)-1]
		out[path(top, strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("unterminated message")
	}
	return out, nil
}
