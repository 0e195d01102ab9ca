package strategy

import (
	"net/http"
	"strings"
)

// Class decides which fetch strategy a request gets.
type Class int

const (
	// ClassStatic requests are served cache-first.
	ClassStatic Class = iota
	// ClassWriteSensitive requests are served network-first.
	ClassWriteSensitive
)

func (c Class) String() string {
	switch c {
	case ClassStatic:
		return "cache_first"
	case ClassWriteSensitive:
		return "network_first"
	default:
		return "unknown"
	}
}

// Classifier maps a request to its class.
type Classifier func(r *http.Request) Class

// PathContains classifies a request as write-sensitive when its path
// contains any of the given fragments, static otherwise.
func PathContains(fragments ...string) Classifier {
	return func(r *http.Request) Class {
		if r.URL == nil {
			return ClassStatic
		}
		for _, f := range fragments {
			if f != "" && strings.Contains(r.URL.Path, f) {
				return ClassWriteSensitive
			}
		}
		return ClassStatic
	}
}

// DefaultClassifier treats everything under /api/ as write-sensitive.
var DefaultClassifier = PathContains("/api/")
