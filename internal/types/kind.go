// Package types provides common type definitions used throughout the Loom CLI.
// This package contains shared types to avoid circular dependencies between packages.
package types

import (
	"path/filepath"
	"strings"
)

// Kind is the closed classification of a content file, derived purely from
// its path extension plus an injected asset-path predicate. The walker and
// inventory never inspect file contents to classify.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindFont
	KindGraphic
	KindImage
	KindMarkup
	KindScript
	KindStyle
	KindText
	KindDocument
	KindMarkdown
	KindComputedData
	KindComputedMarkup
	KindComputedStyle
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindFont:
		return "font"
	case KindGraphic:
		return "graphic"
	case KindImage:
		return "image"
	case KindMarkup:
		return "markup"
	case KindScript:
		return "script"
	case KindStyle:
		return "style"
	case KindText:
		return "text"
	case KindDocument:
		return "document"
	case KindMarkdown:
		return "markdown"
	case KindComputedData:
		return "computed-data"
	case KindComputedMarkup:
		return "computed-markup"
	case KindComputedStyle:
		return "computed-style"
	default:
		return "unknown"
	}
}

// Phase is an ordered build-stage group. Kinds belonging to an earlier phase
// must finish building before any kind of a later phase starts.
type Phase int

const (
	PhaseData  Phase = 1
	PhaseAsset Phase = 2
	PhasePage  Phase = 3
)

// String returns the string representation of the Phase.
func (p Phase) String() string {
	switch p {
	case PhaseData:
		return "data"
	case PhaseAsset:
		return "asset"
	case PhasePage:
		return "page"
	default:
		return "unknown"
	}
}

// Kinds returns the kinds participating in the phase, in build order.
// Page scripts and markup run last because page assembly reads the keyword
// indexes and computed data that earlier phases populate globally.
func (p Phase) Kinds() []Kind {
	switch p {
	case PhaseData:
		return []Kind{KindComputedData}
	case PhaseAsset:
		return []Kind{
			KindConfig, KindFont, KindGraphic, KindImage,
			KindStyle, KindComputedStyle, KindText, KindDocument, KindMarkdown,
		}
	case PhasePage:
		return []Kind{KindScript, KindMarkup, KindComputedMarkup}
	default:
		return nil
	}
}

// extensionKinds maps lowercase path extensions to their default Kind.
var extensionKinds = map[string]Kind{
	".yaml":     KindConfig,
	".yml":      KindConfig,
	".toml":     KindConfig,
	".woff":     KindFont,
	".woff2":    KindFont,
	".ttf":      KindFont,
	".otf":      KindFont,
	".eot":      KindFont,
	".svg":      KindGraphic,
	".ico":      KindGraphic,
	".png":      KindImage,
	".jpg":      KindImage,
	".jpeg":     KindImage,
	".gif":      KindImage,
	".webp":     KindImage,
	".avif":     KindImage,
	".html":     KindMarkup,
	".htm":      KindMarkup,
	".js":       KindScript,
	".mjs":      KindScript,
	".css":      KindStyle,
	".txt":      KindText,
	".text":     KindText,
	".pdf":      KindDocument,
	".md":       KindMarkdown,
	".markdown": KindMarkdown,
	".json":     KindComputedData,
	".tmpl":     KindComputedMarkup,
	".tpl":      KindComputedMarkup,
	".scss":     KindComputedStyle,
	".sass":     KindComputedStyle,
}

// Classify derives the Kind for a path. It is a pure function of the path
// and the asset-path predicate: identical inputs always yield the same Kind.
//
// Files under an asset path are copied verbatim rather than assembled, so
// extensions that would normally select a page-building kind (markup,
// page scripts, markdown) degrade to plain text assets there.
func Classify(path string, isAssetPath func(string) bool) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	kind, ok := extensionKinds[ext]
	if !ok {
		return KindUnknown
	}

	if isAssetPath != nil && isAssetPath(path) {
		switch kind {
		case KindMarkup, KindScript, KindMarkdown, KindComputedMarkup:
			return KindText
		}
	}

	return kind
}
