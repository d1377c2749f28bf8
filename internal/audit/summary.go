package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xela07ax/opsgate/internal/domain"
)

// Summary — агрегат последовательного прохода по журналу.
type Summary struct {
	Total          int                 `json:"total"`
	ByEventType    map[EventType]int   `json:"by_event_type"`
	ByActionKind   map[domain.Kind]int `json:"by_action_kind"`
	MalformedLines int                 `json:"malformed_lines"`
	Files          []string            `json:"files"`
}

// Summarize читает журнал последовательно, файл за файлом в порядке дат.
// Битая строка не прерывает проход: она пропускается и считается.
func Summarize(dir string) (*Summary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to read log dir: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "audit-") && strings.HasSuffix(e.Name(), ".jsonl") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files) // Имена дневных файлов сортируются как даты

	sum := &Summary{
		ByEventType:  make(map[EventType]int),
		ByActionKind: make(map[domain.Kind]int),
		Files:        files,
	}

	for _, name := range files {
		if err := summarizeFile(filepath.Join(dir, name), sum); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

func summarizeFile(path string, sum *Summary) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audit: failed to open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.EntryID == "" {
			sum.MalformedLines++
			continue
		}
		sum.Total++
		sum.ByEventType[entry.EventType]++
		if entry.ActionKind != "" {
			sum.ByActionKind[entry.ActionKind]++
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("audit: scan failed for %s: %w", path, err)
	}
	return nil
}
