// Package xpath compiles the XPath subset used by site rules into CSS
// selectors that can be evaluated with goquery.
//
// Supported: absolute and relative location paths built from child (/) and
// descendant-or-self (//) steps, tag names or *, one positional predicate
// ([n], [last()], [position()>n]) followed by any number of attribute
// predicates ([@a='v'], [contains(@a,'v')]), and a trailing /text().
// Everything else is rejected with an error wrapping ErrUnsupported.
package xpath

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

var ErrUnsupported = errors.New("unsupported xpath")

// SyntaxError describes why an expression could not be compiled.
type SyntaxError struct {
	Expr   string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("xpath %q: %s", e.Expr, e.Reason)
}

func (e *SyntaxError) Unwrap() error { return ErrUnsupported }

type anchor int

const (
	anchorAbsolute anchor = iota // /a
	anchorDescendant              // //a and .//a
	anchorChild                   // ./a and a
)

// Selector is a compiled expression. It is immutable and safe for concurrent use.
type Selector struct {
	expr string
	css  string
	text bool

	absolute bool
	steps    []matcher
}

// matcher is one location step: a single-step CSS selector applied to the
// children or to the descendants of the current node set.
type matcher struct {
	descendant bool
	sel        cascadia.Selector
}

// Compile translates expr into a Selector.
func Compile(expr string) (*Selector, error) {
	p := &parser{expr: expr, src: strings.TrimSpace(expr)}

	return p.parse()
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Selector {
	s, err := Compile(expr)
	if err != nil {
		panic(err)
	}

	return s
}

// Expr returns the source expression.
func (s *Selector) Expr() string { return s.expr }

// CSS returns the equivalent CSS selector, for display.
func (s *Selector) CSS() string { return s.css }

// Text reports whether the expression ended in /text().
func (s *Selector) Text() bool { return s.text }

func (s *Selector) String() string { return s.css }

// Select evaluates the selector with each node of ctx as context node.
// Absolute selectors are evaluated from the owning document.
// The result is in document order.
func (s *Selector) Select(ctx *goquery.Selection) *goquery.Selection {
	sel := ctx
	if s.absolute {
		sel = documentOf(ctx)
	}

	for _, m := range s.steps {
		if m.descendant {
			sel = sel.FindMatcher(m.sel)
		} else {
			sel = sel.ChildrenMatcher(m.sel)
		}
	}

	if len(s.steps) > 1 {
		sortDocumentOrder(sel.Nodes)
	}

	return sel
}

// sortDocumentOrder 子节点步骤作用在嵌套的节点集上时，结果可能不是文档顺序
func sortDocumentOrder(nodes []*html.Node) {
	if len(nodes) < 2 {
		return
	}

	root := nodes[0]
	for root.Parent != nil {
		root = root.Parent
	}

	order := make(map[*html.Node]int)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		order[n] = len(order)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	sort.SliceStable(nodes, func(i, j int) bool { return order[nodes[i]] < order[nodes[j]] })
}

func documentOf(sel *goquery.Selection) *goquery.Selection {
	if sel.Length() == 0 {
		return sel
	}

	n := sel.Get(0)
	for n.Parent != nil {
		n = n.Parent
	}

	if n.Type != html.DocumentNode {
		return sel
	}

	return goquery.NewDocumentFromNode(n).Selection
}

type step struct {
	descendant bool
	css        string
}

type parser struct {
	expr string
	src  string
	pos  int
}

func (p *parser) fail(format string, args ...interface{}) error {
	return &SyntaxError{Expr: p.expr, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) parse() (*Selector, error) {
	if p.src == "" {
		return nil, p.fail("empty expression")
	}

	var a anchor
	switch {
	case strings.HasPrefix(p.src, ".//"):
		a, p.pos = anchorDescendant, 3
	case strings.HasPrefix(p.src, "./"):
		a, p.pos = anchorChild, 2
	case strings.HasPrefix(p.src, "//"):
		a, p.pos = anchorDescendant, 2
	case strings.HasPrefix(p.src, "/"):
		a, p.pos = anchorAbsolute, 1
	default:
		a = anchorChild
	}

	var (
		steps []step
		text  bool
	)
	descendant := a == anchorDescendant

	for {
		if p.rest() == "text()" {
			if descendant || len(steps) == 0 {
				return nil, p.fail("text() must follow a child step")
			}
			text = true

			break
		}

		css, err := p.step()
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{descendant: descendant, css: css})

		if p.pos >= len(p.src) {
			break
		}

		switch {
		case strings.HasPrefix(p.rest(), "//"):
			descendant = true
			p.pos += 2
		case p.src[p.pos] == '/':
			descendant = false
			p.pos++
		case p.src[p.pos] == '|':
			return nil, p.fail("union is not supported")
		default:
			return nil, p.fail("unexpected %q at offset %d", p.src[p.pos], p.pos)
		}

		if p.pos >= len(p.src) {
			return nil, p.fail("expression ends with a separator")
		}
	}

	return build(p.expr, a, steps, text)
}

func (p *parser) rest() string { return p.src[p.pos:] }

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*`)

func (p *parser) step() (string, error) {
	r := p.rest()

	switch {
	case strings.HasPrefix(r, ".."):
		return "", p.fail("parent step is not supported")
	case strings.HasPrefix(r, "."):
		return "", p.fail("self step is not supported")
	case strings.HasPrefix(r, "@"):
		return "", p.fail("attribute step is not supported")
	}

	var tag string
	if strings.HasPrefix(r, "*") {
		tag = "*"
	} else {
		tag = nameRe.FindString(r)
		if tag == "" {
			return "", p.fail("expected a tag name at offset %d", p.pos)
		}
	}
	p.pos += len(tag)

	if strings.HasPrefix(p.rest(), "::") {
		return "", p.fail("axis %q is not supported", tag)
	}
	if strings.HasPrefix(p.rest(), "(") {
		return "", p.fail("function %s() is not supported here", tag)
	}
	if strings.HasPrefix(p.rest(), ":") {
		return "", p.fail("namespaced name is not supported")
	}

	var (
		parts      []string
		positional bool
		filtered   bool
	)

	for strings.HasPrefix(p.rest(), "[") {
		body, err := p.predicate()
		if err != nil {
			return "", err
		}

		pr, err := compilePredicate(body, tag == "*")
		if err != nil {
			return "", p.fail("%v", err)
		}

		if pr.positional {
			if positional {
				return "", p.fail("more than one positional predicate")
			}
			if filtered {
				return "", p.fail("positional predicate after a filter predicate")
			}
			positional = true
		} else {
			filtered = true
		}

		if pr.css != "" {
			parts = append(parts, pr.css)
		}
	}

	if tag != "*" {
		tag = strings.ToLower(tag)
	}

	return tag + strings.Join(parts, ""), nil
}

// predicate consumes a bracketed predicate and returns its trimmed body.
func (p *parser) predicate() (string, error) {
	start := p.pos
	p.pos++

	var quote byte
	for ; p.pos < len(p.src); p.pos++ {
		c := p.src[p.pos]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '[':
			return "", p.fail("nested predicate is not supported")
		case c == ']':
			body := strings.TrimSpace(p.src[start+1 : p.pos])
			p.pos++

			return body, nil
		}
	}

	return "", p.fail("unterminated predicate at offset %d", start)
}

type predicate struct {
	css        string
	positional bool
}

var (
	indexRe    = regexp.MustCompile(`^\d+$`)
	lastRe     = regexp.MustCompile(`^last\(\s*\)$`)
	positionRe = regexp.MustCompile(`^position\(\s*\)\s*>\s*(\d+)$`)
	equalsRe   = regexp.MustCompile(`^@([A-Za-z_][A-Za-z0-9_-]*)\s*=\s*(?:'([^']*)'|"([^"]*)")$`)
	containsRe = regexp.MustCompile(`^contains\(\s*@([A-Za-z_][A-Za-z0-9_-]*)\s*,\s*(?:'([^']*)'|"([^"]*)")\s*\)$`)
	logicRe    = regexp.MustCompile(`\s(and|or)\s`)
	identRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
)

func compilePredicate(body string, universal bool) (predicate, error) {
	nth, nthLast := ":nth-of-type", ":nth-last-of-type"
	if universal {
		nth, nthLast = ":nth-child", ":nth-last-child"
	}

	switch {
	case indexRe.MatchString(body):
		n, err := strconv.Atoi(body)
		if err != nil || n < 1 {
			return predicate{}, fmt.Errorf("position %q must be a positive integer", body)
		}

		return predicate{css: fmt.Sprintf("%s(%d)", nth, n), positional: true}, nil

	case lastRe.MatchString(body):
		return predicate{css: nthLast + "(1)", positional: true}, nil

	case positionRe.MatchString(body):
		n, err := strconv.Atoi(positionRe.FindStringSubmatch(body)[1])
		if err != nil {
			return predicate{}, fmt.Errorf("position bound %q: %w", body, err)
		}

		return predicate{css: fmt.Sprintf("%s(n+%d)", nth, n+1), positional: true}, nil

	case equalsRe.MatchString(body):
		m := equalsRe.FindStringSubmatch(body)
		name, value := strings.ToLower(m[1]), m[2]+m[3]
		if name == "id" && identRe.MatchString(value) {
			return predicate{css: "#" + value}, nil
		}

		return predicate{css: fmt.Sprintf("[%s=%s]", name, quote(value))}, nil

	case containsRe.MatchString(body):
		m := containsRe.FindStringSubmatch(body)
		name, value := strings.ToLower(m[1]), m[2]+m[3]
		// every string contains the empty string
		if value == "" {
			return predicate{}, nil
		}

		return predicate{css: fmt.Sprintf("[%s*=%s]", name, quote(value))}, nil

	case logicRe.MatchString(body):
		return predicate{}, fmt.Errorf("boolean predicate %q is not supported", body)

	case strings.HasPrefix(body, "not("):
		return predicate{}, fmt.Errorf("negation %q is not supported", body)
	}

	return predicate{}, fmt.Errorf("predicate %q is not supported", body)
}

func quote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\a `)

	return `"` + r.Replace(v) + `"`
}

func build(expr string, a anchor, steps []step, text bool) (*Selector, error) {
	s := &Selector{expr: expr, text: text, absolute: a == anchorAbsolute}

	var display strings.Builder
	if a == anchorChild {
		display.WriteString(":scope")
	}

	for i, st := range steps {
		m, err := cascadia.Compile(st.css)
		if err != nil {
			return nil, &SyntaxError{Expr: expr, Reason: fmt.Sprintf("step %q: %v", st.css, err)}
		}
		s.steps = append(s.steps, matcher{descendant: st.descendant, sel: m})

		css := st.css
		if i == 0 && a == anchorAbsolute {
			css += ":root"
		}
		switch {
		case i == 0 && a != anchorChild:
		case st.descendant:
			display.WriteString(" ")
		default:
			display.WriteString(" > ")
		}
		display.WriteString(css)
	}
	s.css = display.String()

	return s, nil
}
