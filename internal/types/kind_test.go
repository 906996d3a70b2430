package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		path     string
		expected Kind
	}{
		{"/site/config/site.yaml", KindConfig},
		{"/site/fonts/inter.woff2", KindFont},
		{"/site/img/logo.svg", KindGraphic},
		{"/site/img/hero.png", KindImage},
		{"/site/pages/index.html", KindMarkup},
		{"/site/pages/app.js", KindScript},
		{"/site/styles/main.css", KindStyle},
		{"/site/notes/readme.txt", KindText},
		{"/site/docs/brochure.pdf", KindDocument},
		{"/site/posts/welcome.md", KindMarkdown},
		{"/site/data/products.json", KindComputedData},
		{"/site/layouts/base.tmpl", KindComputedMarkup},
		{"/site/styles/theme.scss", KindComputedStyle},
		{"/site/bin/loom", KindUnknown},
		{"/site/pages/INDEX.HTML", KindMarkup},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(tc.path, nil))
		})
	}
}

func TestClassifyAssetPathDemotion(t *testing.T) {
	isAsset := func(path string) bool {
		return strings.Contains(path, "/assets/")
	}

	// Page-building kinds degrade to plain text under asset paths.
	assert.Equal(t, KindText, Classify("/site/assets/snippet.html", isAsset))
	assert.Equal(t, KindText, Classify("/site/assets/vendor.js", isAsset))
	assert.Equal(t, KindText, Classify("/site/assets/license.md", isAsset))

	// Non-page kinds keep their classification.
	assert.Equal(t, KindStyle, Classify("/site/assets/reset.css", isAsset))
	assert.Equal(t, KindImage, Classify("/site/assets/bg.png", isAsset))

	// The same path outside the asset root keeps its page kind.
	assert.Equal(t, KindMarkup, Classify("/site/pages/snippet.html", isAsset))
}

func TestClassifyIsDeterministic(t *testing.T) {
	isAsset := func(path string) bool { return strings.HasPrefix(path, "/a/") }

	paths := []string{"/a/x.js", "/b/x.js", "/a/y.css", "/b/z.html", "/a/q.unknown"}
	for _, p := range paths {
		first := Classify(p, isAsset)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, Classify(p, isAsset), "classification must be stable for %s", p)
		}
	}
}

func TestPhaseKinds(t *testing.T) {
	assert.Equal(t, []Kind{KindComputedData}, PhaseData.Kinds())

	asset := PhaseAsset.Kinds()
	assert.NotContains(t, asset, KindComputedData)
	assert.NotContains(t, asset, KindMarkup)
	assert.NotContains(t, asset, KindComputedMarkup)
	assert.NotContains(t, asset, KindScript)
	assert.NotContains(t, asset, KindUnknown)
	assert.Contains(t, asset, KindStyle)
	assert.Contains(t, asset, KindImage)

	// Page scripts precede markup so assembled pages can reference them.
	page := PhasePage.Kinds()
	assert.Equal(t, []Kind{KindScript, KindMarkup, KindComputedMarkup}, page)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "computed-data", KindComputedData.String())
	assert.Equal(t, "markup", KindMarkup.String())
	assert.Equal(t, "unknown", KindUnknown.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
