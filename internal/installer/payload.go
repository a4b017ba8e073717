package installer

import (
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"strings"
)

const (
	// PayloadEntry is the streaming payload inside an A/B package.
	PayloadEntry = "payload.bin"
	// PayloadPropertiesEntry holds the key=value headers for the engine.
	PayloadPropertiesEntry = "payload_properties.txt"

	localHeaderSize = 30
)

// ErrEntryNotFound is returned when an archive lacks a required entry.
var ErrEntryNotFound = errors.New("archive entry not found")

// PayloadOffset returns the byte offset of the payload data within the
// package at path.
func PayloadOffset(path string) (int64, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open package: %w", err)
	}
	defer r.Close()
	return entryOffset(r.File, PayloadEntry)
}

// entryOffset walks the entries in archive order, summing each local header
// and the data of every entry before name.
func entryOffset(files []*zip.File, name string) (int64, error) {
	var offset int64
	for _, f := range files {
		offset += localHeaderSize + int64(len(f.Name)) + int64(len(f.Extra))
		if f.Name == name {
			return offset, nil
		}
		offset += int64(f.CompressedSize64)
	}
	return 0, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
}

// PayloadProperties returns the lines of the payload properties entry.
func PayloadProperties(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != PayloadPropertiesEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", PayloadPropertiesEntry, err)
		}
		defer rc.Close()

		var lines []string
		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", PayloadPropertiesEntry, err)
		}
		return lines, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, PayloadPropertiesEntry)
}

// IsABUpdate reports whether the package carries a streaming payload.
func IsABUpdate(path string) (bool, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false, fmt.Errorf("failed to open package: %w", err)
	}
	defer r.Close()

	var payload, properties bool
	for _, f := range r.File {
		switch f.Name {
		case PayloadEntry:
			payload = true
		case PayloadPropertiesEntry:
			properties = true
		}
	}
	return payload && properties, nil
}
