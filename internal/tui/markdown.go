package tui

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown
)

func getMarkdownParser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParser
}

// renderMarkdown renders assistant replies for the timeline. Soft breaks
// reflow to width; code blocks keep their lines.
func renderMarkdown(input string, width int) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	source := []byte(input)
	doc := getMarkdownParser().Parser().Parse(text.NewReader(source))

	// Forced profile: the timeline is always drawn to a terminal, and
	// auto-detection yields plain text under tests.
	lip := lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(termenv.ANSI256))
	lip.SetColorProfile(termenv.ANSI256)

	r := &mdRenderer{source: source, width: width, lip: lip}
	_ = ast.Walk(doc, r.walk)
	return strings.TrimRight(r.out.String(), "\n")
}

type mdList struct {
	ordered bool
	counter int
}

type mdRenderer struct {
	source []byte
	width  int
	lip    *lipgloss.Renderer

	out    strings.Builder
	inline strings.Builder

	prefix  string
	bullet  string
	lists   []mdList
	bold    int
	italic  int
	strike  int
	newline int
}

func (r *mdRenderer) style() lipgloss.Style {
	return r.lip.NewStyle()
}

func (r *mdRenderer) contentWidth() int {
	return max(10, r.width-ansi.StringWidth(r.prefix))
}

func (r *mdRenderer) write(s string) {
	if s == "" {
		return
	}
	r.out.WriteString(s)
	trailing := len(s) - len(strings.TrimRight(s, "\n"))
	if trailing == len(s) {
		r.newline += trailing
	} else {
		r.newline = trailing
	}
}

func (r *mdRenderer) ensureNewline() {
	if r.out.Len() > 0 && r.newline < 1 {
		r.write("\n")
	}
}

func (r *mdRenderer) ensureBlankLine() {
	if r.out.Len() == 0 {
		return
	}
	for r.newline < 2 {
		r.write("\n")
	}
}

func (r *mdRenderer) prefixed(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lead := r.prefix
		if i == 0 && r.bullet != "" {
			lead = r.bullet
			r.bullet = ""
		}
		lines[i] = lead + line
	}
	return strings.Join(lines, "\n")
}

func (r *mdRenderer) flush() string {
	content := r.inline.String()
	r.inline.Reset()
	if content == "" {
		return ""
	}
	return r.prefixed(ansi.Wrap(content, r.contentWidth(), " ,.;-+|"))
}

func (r *mdRenderer) styled(content string) string {
	s := r.style().Foreground(colorText)
	if r.bold > 0 {
		s = s.Bold(true)
	}
	if r.italic > 0 {
		s = s.Italic(true)
	}
	if r.strike > 0 {
		s = s.Strikethrough(true)
	}
	return s.Render(content)
}

func (r *mdRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {
	case ast.KindParagraph, ast.KindTextBlock:
		if entering {
			if len(r.lists) == 0 {
				r.ensureBlankLine()
			}
			return ast.WalkContinue, nil
		}
		r.write(r.flush())
		r.write("\n")

	case ast.KindHeading:
		if entering {
			r.ensureBlankLine()
			return ast.WalkContinue, nil
		}
		heading := node.(*ast.Heading)
		content := r.inline.String()
		r.inline.Reset()
		s := r.style().Foreground(colorMint).Bold(true)
		if heading.Level > 1 {
			s = r.style().Foreground(colorBlue).Bold(true)
		}
		r.write(r.prefixed(s.Render(ansi.Strip(content))))
		r.write("\n")

	case ast.KindFencedCodeBlock, ast.KindCodeBlock:
		if !entering {
			return ast.WalkContinue, nil
		}
		r.ensureBlankLine()
		var code strings.Builder
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			code.Write(seg.Value(r.source))
		}
		label := ""
		if fenced, ok := node.(*ast.FencedCodeBlock); ok {
			label = string(fenced.Language(r.source))
		}
		codeStyle := r.style().Foreground(colorGold)
		if label != "" {
			r.write(r.prefix + r.style().Foreground(colorMuted).Render("["+label+"]") + "\n")
		}
		for _, line := range strings.Split(strings.TrimRight(code.String(), "\n"), "\n") {
			r.write(r.prefix + "  " + codeStyle.Render(line) + "\n")
		}
		return ast.WalkSkipChildren, nil

	case ast.KindBlockquote:
		if entering {
			r.ensureBlankLine()
			r.prefix += "│ "
		} else {
			r.prefix = strings.TrimSuffix(r.prefix, "│ ")
		}

	case ast.KindList:
		if entering {
			if len(r.lists) == 0 {
				r.ensureBlankLine()
			}
			list := node.(*ast.List)
			r.lists = append(r.lists, mdList{ordered: list.IsOrdered(), counter: list.Start})
		} else {
			r.lists = r.lists[:len(r.lists)-1]
		}

	case ast.KindListItem:
		if len(r.lists) == 0 {
			return ast.WalkContinue, nil
		}
		top := &r.lists[len(r.lists)-1]
		if entering {
			r.ensureNewline()
			marker := "- "
			if top.ordered {
				marker = fmt.Sprintf("%d. ", top.counter)
				top.counter++
			}
			r.bullet = r.prefix + r.style().Foreground(colorPink).Render(marker)
			r.prefix += strings.Repeat(" ", len(marker))
		} else {
			r.prefix = r.prefix[:max(0, len(r.prefix)-len(r.markerFor(*top)))]
		}

	case ast.KindThematicBreak:
		if entering {
			r.ensureBlankLine()
			r.write(r.style().Foreground(colorMuted).Render(strings.Repeat("─", min(r.contentWidth(), 40))) + "\n")
		}

	case ast.KindText:
		if entering {
			t := node.(*ast.Text)
			r.inline.WriteString(r.styled(string(t.Segment.Value(r.source))))
			if t.SoftLineBreak() {
				r.inline.WriteString(" ")
			}
			if t.HardLineBreak() {
				r.inline.WriteString("\n")
			}
		}

	case ast.KindString:
		if entering {
			r.inline.WriteString(r.styled(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		emphasis := node.(*ast.Emphasis)
		delta := 1
		if !entering {
			delta = -1
		}
		if emphasis.Level >= 2 {
			r.bold += delta
		} else {
			r.italic += delta
		}

	case ast.KindCodeSpan:
		if !entering {
			return ast.WalkContinue, nil
		}
		var code strings.Builder
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			switch c := child.(type) {
			case *ast.Text:
				code.Write(c.Segment.Value(r.source))
			case *ast.String:
				code.Write(c.Value)
			}
		}
		r.inline.WriteString(r.style().Foreground(colorGold).Render(code.String()))
		return ast.WalkSkipChildren, nil

	case ast.KindLink:
		if !entering {
			return ast.WalkContinue, nil
		}
		link := node.(*ast.Link)
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			_ = ast.Walk(child, r.walk)
		}
		if dest := string(link.Destination); dest != "" {
			r.inline.WriteString(" " + r.style().Foreground(colorMuted).Render("("+dest+")"))
		}
		return ast.WalkSkipChildren, nil

	case ast.KindAutoLink:
		if entering {
			link := node.(*ast.AutoLink)
			r.inline.WriteString(r.style().Foreground(colorBlue).Underline(true).Render(string(link.URL(r.source))))
		}

	case extast.KindStrikethrough:
		if entering {
			r.strike++
		} else {
			r.strike--
		}
	}
	return ast.WalkContinue, nil
}

func (r *mdRenderer) markerFor(list mdList) string {
	if !list.ordered {
		return "- "
	}
	// counter was advanced when the item was entered.
	return fmt.Sprintf("%d. ", list.counter-1)
}
