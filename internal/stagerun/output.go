package stagerun

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"meshqueue/internal/fileutil"
)

// selectOutput returns the declared output of a finished tool: the first
// non-empty file matching pattern whose extension ranks highest in prefer,
// else the first match in name order.
func selectOutput(outputDir, pattern string, prefer []string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(outputDir, pattern))
	if err != nil {
		return "", fmt.Errorf("output pattern %q: %w", pattern, err)
	}
	candidates := make([]string, 0, len(matches))
	for _, match := range matches {
		if fileutil.NonEmptyFile(match) {
			candidates = append(candidates, match)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no non-empty file matches %q", pattern)
	}
	sort.Strings(candidates)
	for _, ext := range prefer {
		for _, candidate := range candidates {
			if strings.EqualFold(filepath.Ext(candidate), ext) {
				return candidate, nil
			}
		}
	}
	return candidates[0], nil
}

// extractReport returns the last non-empty line of the captured stdout,
// which must be a JSON document.
func extractReport(path string) (json.RawMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open captured stdout: %w", err)
	}
	defer file.Close()

	var last []byte
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), maxScanBytes)
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read captured stdout: %w", err)
	}
	if len(last) == 0 {
		return nil, errors.New("tool printed no report")
	}
	if !json.Valid(last) {
		return nil, fmt.Errorf("last stdout line is not JSON: %.120s", last)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, last); err != nil {
		return nil, err
	}
	return json.RawMessage(compact.Bytes()), nil
}

// readTail returns up to limit trailing bytes of path, trimmed to whole lines.
func readTail(path string, limit int) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - int64(limit)
	partial := offset > 0
	if offset < 0 {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return ""
	}
	if partial {
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			data = data[idx+1:]
		}
	}
	return strings.TrimSpace(string(data))
}
