// Package fanout defines the types and collaborator interfaces shared by the
// splitter, worker, launcher, reaper and trigger.
package fanout

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PlaceholderText is written for a URL whose homepage yielded no usable content.
const PlaceholderText = "No content available"

// BlockedText is written for a URL whose robots policy disallows the homepage.
const BlockedText = "Blocked by robots.txt"

// LaunchTrigger identifies a fleet launch signal on the wire.
const LaunchTrigger = "start-fleet"

// WorkUnit references exactly one chunk object. It is the queue payload.
type WorkUnit struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Validate reports missing fields as a permanent error.
func (u WorkUnit) Validate() error {
	if strings.TrimSpace(u.Bucket) == "" || strings.TrimSpace(u.Key) == "" {
		return fmt.Errorf("work unit missing bucket or key: %w", ErrPermanent)
	}
	return nil
}

// DecodeWorkUnit parses a queue payload.
func DecodeWorkUnit(data []byte) (WorkUnit, error) {
	var unit WorkUnit
	if err := json.Unmarshal(data, &unit); err != nil {
		return WorkUnit{}, fmt.Errorf("decode work unit: %v: %w", err, ErrPermanent)
	}
	if err := unit.Validate(); err != nil {
		return WorkUnit{}, err
	}
	return unit, nil
}

// SplitRequest asks the splitter to partition one input list.
type SplitRequest struct {
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	Generation string `json:"generation,omitempty"`
}

// LaunchSignal is emitted by the splitter once every chunk is enqueued.
type LaunchSignal struct {
	Trigger     string    `json:"trigger"`
	Source      string    `json:"source"`
	InputKey    string    `json:"input_key"`
	Chunks      int       `json:"chunks"`
	RequestedAt time.Time `json:"requested_at"`
}

// Row is one line of a result artifact.
type Row struct {
	Website string `json:"website"`
	Content string `json:"content"`
}

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// FleetSpec describes the worker fleet to create.
type FleetSpec struct {
	Name         string
	Template     string
	DesiredCount int
}

// Page is a fetched homepage.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
	Headless    bool
}

// Summary is the lightweight description extracted from a homepage.
type Summary struct {
	Title       string
	Description string
	Heading     string
	Paragraphs  []string
	NavLinks    []string
}

// Text renders the summary as the plain text stored in result rows.
func (s Summary) Text() string {
	var parts []string
	if s.Title != "" {
		parts = append(parts, "Title: "+s.Title)
	}
	if s.Description != "" {
		parts = append(parts, "Description: "+s.Description)
	}
	if s.Heading != "" {
		parts = append(parts, "Main Heading: "+s.Heading)
	}
	if len(s.Paragraphs) > 0 {
		parts = append(parts, "Content:")
		parts = append(parts, s.Paragraphs...)
	}
	if len(s.NavLinks) > 0 {
		parts = append(parts, "Navigation Links: "+strings.Join(s.NavLinks, ", "))
	}
	return strings.Join(parts, "\n")
}
