// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jeranaias/enclave/internal/policy"
)

// MaxDocumentSize is the largest document the loader will read.
const MaxDocumentSize = 10 * 1024 * 1024 // 10MB

// supportedExtensions are the document types the loader accepts.
var supportedExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// Document is one loaded source file. ContentHash is the SHA-256 of
// the raw content and is the only identity the ledger ever sees.
type Document struct {
	Path        string
	ContentHash string
	Content     string
}

// Supported reports whether the loader accepts the file's extension.
func Supported(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// LoadFile reads a single document.
func LoadFile(path string) (*Document, error) {
	if !Supported(path) {
		return nil, fmt.Errorf("unsupported document type: %s", filepath.Ext(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxDocumentSize {
		return nil, fmt.Errorf("document too large: %s is %d bytes (max %d)", path, info.Size(), MaxDocumentSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	content := string(data)
	return &Document{
		Path:        path,
		ContentHash: policy.Hash(content),
		Content:     content,
	}, nil
}

// LoadDir loads every supported document under dir, recursively,
// sorted by path so indexing runs are deterministic. Unreadable files
// are skipped, not fatal.
func LoadDir(dir string) ([]*Document, error) {
	var docs []*Document
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !Supported(path) {
			return nil
		}
		doc, err := LoadFile(path)
		if err != nil {
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}
