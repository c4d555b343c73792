// Package feed delivers raw chat messages to the alert pipeline.
package feed

import (
	"context"
	"strings"
	"time"
)

// Message is one chat message as received, before parsing.
type Message struct {
	ID         string
	Author     string
	AuthorName string // display name, when the source has one
	Channel    string
	Text       string
	Time       time.Time
}

// Source delivers messages to handle, one at a time and in arrival order,
// until ctx is done or the source fails.
type Source interface {
	Run(ctx context.Context, handle func(Message)) error
}

// Filter keeps messages from the listed channels and authors. An empty list
// allows everything. Authors match an author ID exactly or a display name
// case-insensitively.
type Filter struct {
	Channels []string
	Authors  []string
}

func (f Filter) Allow(m Message) bool {
	if !match(f.Channels, m.Channel) {
		return false
	}
	if match(f.Authors, m.Author) {
		return true
	}
	if m.AuthorName == "" {
		return false
	}
	for _, a := range f.Authors {
		if strings.EqualFold(a, m.AuthorName) {
			return true
		}
	}
	return false
}

func match(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}
