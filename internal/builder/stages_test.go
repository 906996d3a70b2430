package builder

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/inventory"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/types"
)

func newStageContext(t *testing.T) (*Context, *inventory.Inventory) {
	t.Helper()
	content := t.TempDir()
	inv, err := inventory.New(content, nil)
	require.NoError(t, err)
	return &Context{
		Inventory:   inv,
		ContentRoot: content,
		BuildRoot:   t.TempDir(),
		Logger:      logging.Discard(),
		Errors:      errors.NewErrorCollector(),
	}, inv
}

func stageFile(t *testing.T, inv *inventory.Inventory, bc *Context, rel, body string) *inventory.FileNode {
	t.Helper()
	path := filepath.Join(bc.ContentRoot, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	file, err := inv.Add(path, nil)
	require.NoError(t, err)
	return file
}

func TestFrontMatterStage(t *testing.T) {
	bc, inv := newStageContext(t)

	t.Run("extracts metadata and strips the block", func(t *testing.T) {
		file := stageFile(t, inv, bc, "post.md", "---\ntitle: Hello\nkeywords: [alpha, beta]\n---\nbody text\n")
		require.NoError(t, stageRead.Run(bc, file))
		require.NoError(t, stageFrontMatter.Run(bc, file))

		assert.Equal(t, "Hello", file.Data[dataTitle])
		assert.Equal(t, []byte("body text\n"), file.Data[dataOutput])
		keywords, ok := file.Data[dataKeywords].([]interface{})
		require.True(t, ok)
		assert.Len(t, keywords, 2)
	})

	t.Run("no block is a no-op", func(t *testing.T) {
		file := stageFile(t, inv, bc, "plain.md", "just a body\n")
		require.NoError(t, stageRead.Run(bc, file))
		require.NoError(t, stageFrontMatter.Run(bc, file))

		assert.NotContains(t, file.Data, dataOutput)
		assert.NotContains(t, file.Data, dataTitle)
	})

	t.Run("malformed yaml fails the stage", func(t *testing.T) {
		file := stageFile(t, inv, bc, "bad.md", "---\n{unclosed\n---\nbody\n")
		require.NoError(t, stageRead.Run(bc, file))
		assert.Error(t, stageFrontMatter.Run(bc, file))
	})
}

func TestMinifyStyleStage(t *testing.T) {
	bc, inv := newStageContext(t)
	file := stageFile(t, inv, bc, "main.css", "/* banner */\nbody {\n  color: red;\n  margin: 0;\n}\n")

	require.NoError(t, stageRead.Run(bc, file))
	require.NoError(t, stageMinifyStyle.Run(bc, file))

	out := string(file.Data[dataOutput].([]byte))
	assert.Equal(t, "body{color:red;margin:0;}", out)
}

func TestVersionStage(t *testing.T) {
	bc, inv := newStageContext(t)
	file := stageFile(t, inv, bc, "css/site.css", "body{}")

	require.NoError(t, stageRead.Run(bc, file))
	require.NoError(t, stageVersion.Run(bc, file))

	versioned, ok := inv.Versioned(filepath.Join("css", "site.css"))
	require.True(t, ok)
	assert.Regexp(t, regexp.MustCompile(`^css[/\\]site\.[0-9a-f]{8}\.css$`), versioned)
}

func TestVersionStageIsDeterministic(t *testing.T) {
	bcA, invA := newStageContext(t)
	bcB, invB := newStageContext(t)

	fileA := stageFile(t, invA, bcA, "site.css", "body{}")
	fileB := stageFile(t, invB, bcB, "site.css", "body{}")

	for _, pair := range []struct {
		bc   *Context
		file *inventory.FileNode
	}{{bcA, fileA}, {bcB, fileB}} {
		require.NoError(t, stageRead.Run(pair.bc, pair.file))
		require.NoError(t, stageVersion.Run(pair.bc, pair.file))
	}

	a, _ := invA.Versioned("site.css")
	b, _ := invB.Versioned("site.css")
	assert.Equal(t, a, b, "identical content must version identically")
}

func TestDecodeDataStage(t *testing.T) {
	bc, inv := newStageContext(t)

	file := stageFile(t, inv, bc, "data.json", `{"name": "loom", "count": 3}`)
	require.NoError(t, stageRead.Run(bc, file))
	require.NoError(t, stageDecodeData.Run(bc, file))

	decoded, ok := file.Data[dataDecoded].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "loom", decoded["name"])

	broken := stageFile(t, inv, bc, "broken.json", `{"name":`)
	require.NoError(t, stageRead.Run(bc, broken))
	assert.Error(t, stageDecodeData.Run(bc, broken))
}

func TestExtractMarkupMetaStage(t *testing.T) {
	bc, inv := newStageContext(t)
	file := stageFile(t, inv, bc, "index.html", `<html><head>
<title> Loom Site </title>
<meta name="keywords" content="go, static sites ,builds">
</head><body></body></html>`)

	require.NoError(t, stageRead.Run(bc, file))
	require.NoError(t, stageExtractMarkupMeta.Run(bc, file))

	assert.Equal(t, "Loom Site", file.Data[dataTitle])
	assert.Equal(t, []string{"go", "static sites", "builds"}, file.Data[dataKeywords])
}

func TestAnnotateAssetsStage(t *testing.T) {
	bc, inv := newStageContext(t)
	file := stageFile(t, inv, bc, "index.html", `<link href="style.css"><script src="app.js"></script>`)

	require.NoError(t, inv.Version("style.css", "style.deadbeef.css"))
	require.NoError(t, inv.Version("app.js", "app.cafebabe.js"))

	require.NoError(t, stageRead.Run(bc, file))
	require.NoError(t, stageAnnotateAssets.Run(bc, file))

	out := string(file.Data[dataOutput].([]byte))
	assert.Contains(t, out, `href="style.deadbeef.css"`)
	assert.Contains(t, out, `src="app.cafebabe.js"`)
}

func TestStageSelection(t *testing.T) {
	names := func(stages []Stage) []string {
		out := make([]string, 0, len(stages))
		for _, s := range stages {
			out = append(out, s.Name)
		}
		return out
	}

	assert.Equal(t, []string{"read", "decode-data"}, names(BuildersFor(types.KindComputedData)))
	assert.Equal(t, []string{"copy"}, names(BuildersFor(types.KindImage)))
	assert.Equal(t, []string{"read", "minify-style", "version", "write"}, names(BuildersFor(types.KindStyle)))
	assert.Equal(t, []string{"read", "front-matter", "index-keywords", "write"}, names(BuildersFor(types.KindMarkdown)))
	assert.Nil(t, BuildersFor(types.KindMarkup), "pages do not run in the first phase")

	assert.Equal(t, []string{"read", "version", "write"}, names(ContentBuildersFor(types.KindScript)))
	assert.Equal(t, []string{"read", "extract-markup-meta", "index-keywords", "annotate-assets", "write"},
		names(ContentBuildersFor(types.KindMarkup)))
	assert.Nil(t, ContentBuildersFor(types.KindStyle), "assets do not run in the second phase")
}
