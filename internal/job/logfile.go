// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package job

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mould/pkg/extension"
)

// logEntry is one line of a resource log file. Each entry is written as a
// JSON object followed by a comma, so a reader can tail the file and the
// whole log assembles into a JSON array by trimming the trailing comma and
// wrapping in brackets.
type logEntry struct {
	Time    time.Time          `json:"time"`
	Level   extension.LogLevel `json:"level"`
	Content string             `json:"content"`
}

// fileSink appends log entries for one step resource record. The file is
// created on first write; onOpen runs once right after creation so the
// record's output_file column can be set.
type fileSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	onOpen func() error
	broken bool
}

func newFileSink(path string, onOpen func() error) *fileSink {
	return &fileSink{path: path, onOpen: onOpen}
}

// Append writes one entry. Failures mark the sink broken and are swallowed:
// log delivery must never fail the step itself.
func (s *fileSink) Append(level extension.LogLevel, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return
	}
	if s.file == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			s.broken = true
			return
		}
		file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.broken = true
			return
		}
		s.file = file
		if s.onOpen != nil {
			if err := s.onOpen(); err != nil {
				// The record update failed, but the file exists; keep
				// logging so the output is not lost entirely.
				s.onOpen = nil
			}
		}
	}
	line, err := json.Marshal(logEntry{Time: time.Now().UTC(), Level: level, Content: content})
	if err != nil {
		return
	}
	line = append(line, ',')
	if _, err := s.file.Write(line); err != nil {
		s.broken = true
	}
}

// Close releases the file handle if one was opened.
func (s *fileSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

// ReadLogContent assembles a resource log file into a JSON array string.
// A missing file is tolerated as absent output.
func ReadLogContent(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	content := strings.TrimSuffix(string(raw), ",")
	return "[" + content + "]", true
}
