package builder

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/inventory"
	"github.com/loomworks/loom/internal/types"
)

// Stage is one named transform step. The pipeline sequences stages without
// interpreting their internals; stages communicate through the file's Data.
type Stage struct {
	Name string
	Run  func(bc *Context, file *inventory.FileNode) error
}

// BuildersFor maps a Kind to its first-phase stage sequence. Kinds not
// listed here do not participate in the first phase.
func BuildersFor(kind types.Kind) []Stage {
	switch kind {
	case types.KindComputedData:
		return []Stage{stageRead, stageDecodeData}
	case types.KindConfig, types.KindFont, types.KindGraphic, types.KindImage,
		types.KindText, types.KindDocument:
		return []Stage{stageCopy}
	case types.KindStyle, types.KindComputedStyle:
		return []Stage{stageRead, stageMinifyStyle, stageVersion, stageWrite}
	case types.KindMarkdown:
		return []Stage{stageRead, stageFrontMatter, stageIndexKeywords, stageWrite}
	default:
		return nil
	}
}

// ContentBuildersFor maps a Kind to its second-phase stage sequence: page
// assembly, which may read the indexes and computed data the first phase
// populated.
func ContentBuildersFor(kind types.Kind) []Stage {
	switch kind {
	case types.KindScript:
		return []Stage{stageRead, stageVersion, stageWrite}
	case types.KindMarkup:
		return []Stage{stageRead, stageExtractMarkupMeta, stageIndexKeywords, stageAnnotateAssets, stageWrite}
	case types.KindComputedMarkup:
		return []Stage{stageRead, stageAnnotateAssets, stageWrite}
	default:
		return nil
	}
}

// Data keys shared between stages.
const (
	dataSource      = "source"
	dataOutput      = "output"
	dataFrontMatter = "frontmatter"
	dataDecoded     = "data"
	dataTitle       = "title"
	dataKeywords    = "keywords"
)

var stageRead = Stage{
	Name: "read",
	Run: func(bc *Context, file *inventory.FileNode) error {
		source, err := os.ReadFile(file.Path)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		file.Data[dataSource] = source
		return nil
	},
}

var stageCopy = Stage{
	Name: "copy",
	Run: func(bc *Context, file *inventory.FileNode) error {
		source, err := os.ReadFile(file.Path)
		if err != nil {
			return fmt.Errorf("copy: %w", err)
		}
		return bc.writeArtifact(file, source)
	},
}

var stageWrite = Stage{
	Name: "write",
	Run: func(bc *Context, file *inventory.FileNode) error {
		content, ok := file.Data[dataOutput].([]byte)
		if !ok {
			if content, ok = file.Data[dataSource].([]byte); !ok {
				return fmt.Errorf("write: nothing to write for %s", file.Path)
			}
		}
		return bc.writeArtifact(file, content)
	},
}

var stageDecodeData = Stage{
	Name: "decode-data",
	Run: func(bc *Context, file *inventory.FileNode) error {
		source, _ := file.Data[dataSource].([]byte)
		var decoded interface{}
		if err := json.Unmarshal(source, &decoded); err != nil {
			return fmt.Errorf("decode-data: %w", err)
		}
		file.Data[dataDecoded] = decoded
		return nil
	},
}

// frontMatterPattern delimits a leading YAML block between "---" fences.
var frontMatterPattern = regexp.MustCompile(`(?s)\A---\r?\n(.*?)\r?\n---\r?\n?`)

var stageFrontMatter = Stage{
	Name: "front-matter",
	Run: func(bc *Context, file *inventory.FileNode) error {
		source, _ := file.Data[dataSource].([]byte)
		match := frontMatterPattern.FindSubmatch(source)
		if match == nil {
			return nil
		}

		meta := make(map[string]interface{})
		if err := yaml.Unmarshal(match[1], &meta); err != nil {
			return fmt.Errorf("front-matter: %w", err)
		}

		file.Data[dataFrontMatter] = meta
		if keywords, ok := meta["keywords"]; ok {
			file.Data[dataKeywords] = keywords
		}
		if title, ok := meta["title"].(string); ok {
			file.Data[dataTitle] = title
		}
		// The body without the front matter is what gets written.
		file.Data[dataOutput] = source[len(match[0]):]
		return nil
	},
}

var stageIndexKeywords = Stage{
	Name: "index-keywords",
	Run: func(bc *Context, file *inventory.FileNode) error {
		bc.Inventory.IndexByKeywords(file)
		return nil
	},
}

// styleCommentPattern matches CSS block comments.
var styleCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)

// styleSpacePattern matches whitespace runs.
var styleSpacePattern = regexp.MustCompile(`\s+`)

var stageMinifyStyle = Stage{
	Name: "minify-style",
	Run: func(bc *Context, file *inventory.FileNode) error {
		source, _ := file.Data[dataSource].([]byte)
		out := styleCommentPattern.ReplaceAll(source, nil)
		out = styleSpacePattern.ReplaceAll(out, []byte(" "))
		out = bytes.ReplaceAll(out, []byte("; "), []byte(";"))
		out = bytes.ReplaceAll(out, []byte("{ "), []byte("{"))
		out = bytes.ReplaceAll(out, []byte(" {"), []byte("{"))
		out = bytes.ReplaceAll(out, []byte("} "), []byte("}"))
		out = bytes.ReplaceAll(out, []byte(": "), []byte(":"))
		file.Data[dataOutput] = bytes.TrimSpace(out)
		return nil
	},
}

var stageVersion = Stage{
	Name: "version",
	Run: func(bc *Context, file *inventory.FileNode) error {
		content, ok := file.Data[dataOutput].([]byte)
		if !ok {
			content, _ = file.Data[dataSource].([]byte)
		}

		sum := sha256.Sum256(content)
		digest := hex.EncodeToString(sum[:4])

		rel, err := bc.relativePath(file)
		if err != nil {
			return fmt.Errorf("version: %w", err)
		}
		ext := filepath.Ext(rel)
		versioned := strings.TrimSuffix(rel, ext) + "." + digest + ext
		if err := bc.Inventory.Version(rel, versioned); err != nil {
			return fmt.Errorf("version: %w", err)
		}
		return nil
	},
}

var stageExtractMarkupMeta = Stage{
	Name: "extract-markup-meta",
	Run: func(bc *Context, file *inventory.FileNode) error {
		source, _ := file.Data[dataSource].([]byte)
		doc, err := html.Parse(bytes.NewReader(source))
		if err != nil {
			return fmt.Errorf("extract-markup-meta: %w", err)
		}

		var walk func(*html.Node)
		walk = func(n *html.Node) {
			if n.Type == html.ElementNode {
				switch n.Data {
				case "title":
					if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
						file.Data[dataTitle] = strings.TrimSpace(n.FirstChild.Data)
					}
				case "meta":
					var name, content string
					for _, attr := range n.Attr {
						switch attr.Key {
						case "name":
							name = attr.Val
						case "content":
							content = attr.Val
						}
					}
					if name == "keywords" && content != "" {
						var keywords []string
						for _, kw := range strings.Split(content, ",") {
							if kw = strings.TrimSpace(kw); kw != "" {
								keywords = append(keywords, kw)
							}
						}
						file.Data[dataKeywords] = keywords
					}
				}
			}
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				walk(child)
			}
		}
		walk(doc)
		return nil
	},
}

var stageAnnotateAssets = Stage{
	Name: "annotate-assets",
	Run: func(bc *Context, file *inventory.FileNode) error {
		content, ok := file.Data[dataOutput].([]byte)
		if !ok {
			if content, ok = file.Data[dataSource].([]byte); !ok {
				return nil
			}
		}

		// Rewrite references to first-phase artifacts to their
		// content-hashed names.
		for original, versioned := range bc.Inventory.Versions() {
			content = bytes.ReplaceAll(content, []byte(original), []byte(versioned))
		}
		file.Data[dataOutput] = content
		return nil
	},
}
