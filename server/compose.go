package server

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/html"
)

const (
	layoutClass  = "nexus-layout"
	contentClass = "nexus-content"

	globalCSSHref = "/static/css/global.css"
	panelCSSHref  = "/static/css/side-panel.css"
)

// Composer rewrites text/html backend responses: it applies the user's
// theme, injects the shared stylesheets, and wraps the page body in the
// navigation frame. Composition is idempotent and never fails a request;
// any trouble returns the input unchanged.
type Composer struct {
	registry *Registry
	prefs    *PreferenceClient
	logger   *slog.Logger
}

// NewComposer wires the composer to the registry and preference lookup.
func NewComposer(registry *Registry, prefs *PreferenceClient, logger *slog.Logger) *Composer {
	return &Composer{registry: registry, prefs: prefs, logger: logger}
}

// Compose rewrites one HTML document for the given user. currentService is
// the registry name the request was routed to; it highlights the active nav
// entry.
func (c *Composer) Compose(ctx context.Context, body []byte, currentService string, claims *UserClaims) []byte {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		c.logger.Debug("html parse failed, passing body through", "error", err)
		return body
	}

	root := findElement(doc, "html")
	if root == nil {
		return body
	}

	theme, colorTheme := c.prefs.Theme(ctx, claims.Email)
	setAttr(root, "data-theme", theme)
	setAttr(root, "data-color-theme", colorTheme)

	if head := findElement(root, "head"); head != nil {
		ensureStylesheet(head, globalCSSHref)
		ensureStylesheet(head, panelCSSHref)
	}

	if bodyNode := findElement(root, "body"); bodyNode != nil {
		c.wrapBody(bodyNode, currentService, claims)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		c.logger.Warn("html render failed, passing body through", "error", err)
		return body
	}
	return buf.Bytes()
}

// wrapBody moves the page content into the navigation frame unless a frame
// is already present.
func (c *Composer) wrapBody(body *html.Node, currentService string, claims *UserClaims) {
	if first := firstElementChild(body); first != nil && hasClass(first, layoutClass) {
		return
	}

	layout := fmt.Sprintf(`<div class="%s">%s<div class="%s"></div></div>`,
		layoutClass, c.sidePanelHTML(currentService, claims), contentClass)

	nodes, err := html.ParseFragment(strings.NewReader(layout), body)
	if err != nil || len(nodes) == 0 {
		c.logger.Warn("building navigation frame failed", "error", err)
		return
	}
	frame := nodes[0]

	content := findElementByClass(frame, contentClass)
	if content == nil {
		return
	}

	for child := body.FirstChild; child != nil; {
		next := child.NextSibling
		body.RemoveChild(child)
		content.AppendChild(child)
		child = next
	}
	body.AppendChild(frame)
}

// sidePanelHTML renders the navigation panel for the caller's permission
// level. Service names are registry-validated ([a-z0-9_-]) so they embed
// safely.
func (c *Composer) sidePanelHTML(currentService string, claims *UserClaims) string {
	var b strings.Builder
	b.WriteString(`<div class="side-panel" id="side-panel">`)
	b.WriteString(`<div class="side-panel__header"><h3 class="side-panel__title">HiveMatrix</h3></div>`)
	b.WriteString(`<nav class="side-panel__nav"><ul class="side-panel__list">`)

	for _, entry := range c.registry.VisibleFor(claims.Level) {
		active := ""
		if entry.Name == currentService {
			active = " side-panel__item--active"
		}
		label := displayName(entry.Name)
		fmt.Fprintf(&b,
			`<li class="side-panel__item%s"><a href="/%s/" class="side-panel__link" title="Go to %s">`+
				`<span class="side-panel__icon">%s</span><span class="side-panel__label">%s</span></a></li>`,
			active, entry.Name, label, iconFor(entry.Name), label)
	}

	b.WriteString(`</ul></nav>`)
	fmt.Fprintf(&b,
		`<div class="side-panel__footer">`+
			`<a href="/%s/settings" class="side-panel__link"><span class="side-panel__icon">%s</span><span class="side-panel__label">Settings</span></a>`+
			`<a href="/logout" class="side-panel__link"><span class="side-panel__icon">%s</span><span class="side-panel__label">Logout</span></a>`+
			`</div>`,
		c.prefs.service, iconSettings, iconLogout)
	b.WriteString(`</div>`)
	return b.String()
}

func displayName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// ensureStylesheet inserts a stylesheet link exactly once, ahead of any
// stylesheet the page already carries so page styles keep precedence.
func ensureStylesheet(head *html.Node, href string) {
	var firstForeign *html.Node
	for n := head.FirstChild; n != nil; n = n.NextSibling {
		if !isStylesheetLink(n) {
			continue
		}
		linkHref := getAttr(n, "href")
		if linkHref == href {
			return
		}
		if firstForeign == nil && linkHref != globalCSSHref && linkHref != panelCSSHref {
			firstForeign = n
		}
	}

	link := &html.Node{
		Type: html.ElementNode,
		Data: "link",
		Attr: []html.Attribute{
			{Key: "rel", Val: "stylesheet"},
			{Key: "href", Val: href},
		},
	}
	if firstForeign != nil {
		head.InsertBefore(link, firstForeign)
	} else {
		head.AppendChild(link)
	}
}

func isStylesheetLink(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "link" &&
		strings.EqualFold(getAttr(n, "rel"), "stylesheet")
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func findElementByClass(n *html.Node, class string) *html.Node {
	if n.Type == html.ElementNode && hasClass(n, class) {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElementByClass(child, class); found != nil {
			return found
		}
	}
	return nil
}

func firstElementChild(n *html.Node) *html.Node {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case html.ElementNode:
			return child
		case html.TextNode:
			if strings.TrimSpace(child.Data) != "" {
				return nil
			}
		}
	}
	return nil
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
