// Package fixture loads recorded test-vector corpora and stages the subset selected for replay.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/alitto/pond/v2"
)

// Extension of recorded instruction fixtures.
const Extension = ".fix"

const defaultStagePoolSize = 8

var (
	ErrCorpusNotFound = errors.New("fixture corpus not found")
	ErrEmptyCorpus    = errors.New("fixture corpus is empty")
)

// Record is one recorded execution, identified by its file name without extension.
type Record struct {
	Name string
	Path string
}

// Load lists every fixture in dir, sorted by name.
func Load(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCorpusNotFound, dir)
		}
		return nil, fmt.Errorf("failed to read fixture directory %s: %w", dir, err)
	}
	var records []Record
	for _, entry := range entries {
		if !entry.Type().IsRegular() || filepath.Ext(entry.Name()) != Extension {
			continue
		}
		records = append(records, Record{
			Name: strings.TrimSuffix(entry.Name(), Extension),
			Path: filepath.Join(dir, entry.Name()),
		})
	}
	slices.SortFunc(records, func(a, b Record) int { return strings.Compare(a.Name, b.Name) })
	return records, nil
}

// Select splits records into those to replay and those excluded by skip.
func Select(records []Record, skip func(name string) bool) (selected, skipped []Record) {
	for _, r := range records {
		if skip != nil && skip(r.Name) {
			skipped = append(skipped, r)
			continue
		}
		selected = append(selected, r)
	}
	return selected, skipped
}

// Names returns the names of records.
func Names(records []Record) []string {
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Name
	}
	return names
}

// Stage recreates dir holding copies of exactly the given records, so a replay pointed at dir
// cannot see any other fixture. The source corpus is left untouched.
func Stage(ctx context.Context, records []Record, dir string) ([]Record, error) {
	if len(records) == 0 {
		return nil, ErrEmptyCorpus
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	pool := pond.NewPool(defaultStagePoolSize)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	staged := make([]Record, len(records))
	for i, r := range records {
		staged[i] = Record{Name: r.Name, Path: filepath.Join(dir, r.Name+Extension)}
		dst := staged[i].Path
		src := r.Path
		group.SubmitErr(func() error {
			return copyFile(src, dst)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("failed to stage fixtures: %w", err)
	}
	return staged, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
