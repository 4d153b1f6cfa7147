// Package input reads the researcher list a batch is seeded from.
package input

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/task"
)

const (
	NameColumn = "name"
	URLColumn  = "google_scholar_url"
)

var ErrMissingColumn = errors.New("input: required column missing")

var userParam = regexp.MustCompile(`user=([^&]+)`)

// ExtractScholarID returns the user= parameter of a profile URL, or "".
func ExtractScholarID(url string) string {
	m := userParam.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

func ReadFile(path string) ([]*task.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadCSV(f)
}

// ReadCSV turns rows into tasks. Rows without a name or a usable profile key
// are skipped. A repeated name keeps its first position and takes the later key.
func ReadCSV(r io.Reader) ([]*task.Task, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty input", ErrMissingColumn)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	nameIdx, urlIdx := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))) {
		case NameColumn:
			nameIdx = i
		case URLColumn:
			urlIdx = i
		}
	}
	if nameIdx < 0 || urlIdx < 0 {
		return nil, fmt.Errorf("%w: need %q and %q", ErrMissingColumn, NameColumn, URLColumn)
	}

	var tasks []*task.Task
	byName := make(map[string]*task.Task)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}

		name, url := field(row, nameIdx), field(row, urlIdx)
		if name == "" || url == "" {
			log.WithFields(log.Fields{"event": "input_row_skipped", "line": line}).Warn("missing name or url")
			continue
		}
		key := ExtractScholarID(url)
		if key == "" {
			log.WithFields(log.Fields{"event": "input_row_skipped", "line": line, "name": name}).Warn("no user id in url")
			continue
		}

		if existing, ok := byName[name]; ok {
			existing.Key = key
			continue
		}
		t := task.NewTask(name, key)
		byName[name] = t
		tasks = append(tasks, t)
	}

	return tasks, nil
}

func field(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
