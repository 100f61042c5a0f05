// Package rewrite rewrites matched request URLs before later plugins and the
// upstream forwarder observe them.
package rewrite

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/core/ports"
)

// PluginName identifies the plugin in logs and reports.
const PluginName = "rewrite"

// Rule replaces pattern matches in the request URL with the replacement,
// using regexp replacement syntax ($1 capture references).
type Rule struct {
	Pattern     string
	Replacement string
}

type compiledRule struct {
	re          *regexp.Regexp
	replacement string
}

// Plugin applies rewrite rules in order; rewrites compose with any earlier
// plugin's rewrite of the same transaction.
type Plugin struct {
	rules    []Rule
	compiled []compiledRule
}

// New builds the plugin. Rules are compiled in Init so an invalid pattern
// disables only this plugin.
func New(rules []Rule) *Plugin {
	return &Plugin{rules: rules}
}

// Name implements ports.Plugin.
func (p *Plugin) Name() string { return PluginName }

// Init implements ports.Initializer.
func (p *Plugin) Init(ctx context.Context) error {
	p.compiled = make([]compiledRule, 0, len(p.rules))
	for _, rule := range p.rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("invalid rewrite pattern %q: %w", rule.Pattern, err)
		}
		p.compiled = append(p.compiled, compiledRule{re: re, replacement: rule.Replacement})
	}
	return nil
}

// HandleRequest implements ports.RequestHandler.
func (p *Plugin) HandleRequest(ctx context.Context, args *ports.RequestArgs) (*ports.PluginResponse, error) {
	original := args.Request.URL.String()
	rewritten := original
	for _, rule := range p.compiled {
		rewritten = rule.re.ReplaceAllString(rewritten, rule.replacement)
	}
	if rewritten == original {
		return ports.Continue(), nil
	}

	u, err := url.Parse(rewritten)
	if err != nil {
		return nil, fmt.Errorf("rewrite produced invalid URL %q: %w", rewritten, err)
	}

	req := args.Request.Clone()
	req.URL = u
	args.Log(domain.NewRequestLog(domain.MessageProcessed,
		"rewrote "+original+" to "+rewritten, PluginName, req))
	return ports.ContinueWith(req), nil
}
